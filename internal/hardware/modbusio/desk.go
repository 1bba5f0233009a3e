// Package modbusio drives the physical desk through a Modbus TCP I/O
// controller. Tools are coils confirmed by piston position inputs, sensors
// are discrete inputs and each axis is a pair of 32-bit holding registers
// (target, actual position).
package modbusio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orharazi/Scratch-Desk-sub002/internal/config"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/modbus"
)

var ErrOutOfRange = errors.New("modbusio: position out of register range")

type axis struct {
	name     string
	target   uint16
	position uint16
}

type Desk struct {
	cfg    config.ModbusConfig
	client *modbus.Client
	poller *modbus.InputPoller
	logger *zap.Logger

	coils      map[hardware.Tool]uint16
	toolInputs map[hardware.Tool]uint16
	inputs     map[hardware.Sensor]uint16
	x, y       axis

	mu         sync.Mutex
	posX, posY float64
}

// Open connects to the controller and starts the input poller. The
// returned Desk must be closed.
func Open(ctx context.Context, cfg config.ModbusConfig, logger *zap.Logger) (*Desk, error) {
	coils := make(map[hardware.Tool]uint16, len(hardware.Tools))
	for _, tool := range hardware.Tools {
		addr, ok := cfg.Coils[string(tool)]
		if !ok {
			return nil, fmt.Errorf("modbus.coils: no address for %s", tool)
		}
		coils[tool] = addr
	}

	toolInputs := make(map[hardware.Tool]uint16, len(hardware.Tools))
	for _, tool := range hardware.Tools {
		addr, ok := cfg.ToolInputs[string(tool)]
		if !ok {
			return nil, fmt.Errorf("modbus.tool_inputs: no address for %s", tool)
		}
		toolInputs[tool] = addr
	}

	inputs := make(map[hardware.Sensor]uint16, len(hardware.Sensors))
	var lo, hi uint16 = math.MaxUint16, 0
	for _, sensor := range hardware.Sensors {
		addr, ok := cfg.Inputs[string(sensor)]
		if !ok {
			return nil, fmt.Errorf("modbus.inputs: no address for %s", sensor)
		}
		inputs[sensor] = addr
		lo = min(lo, addr)
		hi = max(hi, addr)
	}

	if cfg.Axes.Resolution <= 0 {
		return nil, fmt.Errorf("modbus.axes.resolution must be positive")
	}
	if cfg.Axes.SettlePoll <= 0 {
		cfg.Axes.SettlePoll = 20 * time.Millisecond
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 5 * time.Second
	}

	client := modbus.NewClient(cfg.Address, cfg.DefaultTimeout)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Address, err)
	}

	d := &Desk{
		cfg:        cfg,
		client:     client,
		poller:     modbus.NewInputPoller(client, cfg.UnitID, lo, hi-lo+1, cfg.PollInterval, logger),
		logger:     logger,
		coils:      coils,
		toolInputs: toolInputs,
		inputs:     inputs,
		x:          axis{name: "x", target: cfg.Axes.XTarget, position: cfg.Axes.XPosition},
		y:          axis{name: "y", target: cfg.Axes.YTarget, position: cfg.Axes.YPosition},
	}

	var err error
	if d.posX, err = d.readPosition(ctx, d.x); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("read x position: %w", err)
	}
	if d.posY, err = d.readPosition(ctx, d.y); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("read y position: %w", err)
	}

	if err := d.poller.Start(); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("Modbus desk connected",
		zap.String("address", cfg.Address),
		zap.Uint8("unit_id", cfg.UnitID),
		zap.Float64("x", d.posX),
		zap.Float64("y", d.posY))

	return d, nil
}

func (d *Desk) MoveX(ctx context.Context, position float64) (float64, error) {
	settled, err := d.move(ctx, d.x, position)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.posX = settled
	d.mu.Unlock()
	return settled, nil
}

func (d *Desk) MoveY(ctx context.Context, position float64) (float64, error) {
	settled, err := d.move(ctx, d.y, position)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.posY = settled
	d.mu.Unlock()
	return settled, nil
}

// move writes the target and polls the position register until it is
// within tolerance.
func (d *Desk) move(ctx context.Context, ax axis, position float64) (float64, error) {
	raw, err := d.toRegister(position)
	if err != nil {
		return 0, err
	}
	if err := d.client.WriteMultipleRegisters(ctx, d.cfg.UnitID, ax.target, splitUint32(raw)); err != nil {
		return 0, fmt.Errorf("write %s target: %w", ax.name, err)
	}

	ticker := time.NewTicker(d.cfg.Axes.SettlePoll)
	defer ticker.Stop()

	for {
		actual, err := d.readPosition(ctx, ax)
		if err != nil {
			if ctx.Err() != nil {
				return 0, context.Cause(ctx)
			}
			return 0, fmt.Errorf("read %s position: %w", ax.name, err)
		}
		if math.Abs(actual-position) <= d.cfg.Axes.Tolerance {
			return actual, nil
		}

		select {
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// SetTool writes the tool coil and waits for the piston position input
// to report the commanded state. Without a deadline on ctx the wait is
// bounded by modbus.tool_timeout.
func (d *Desk) SetTool(ctx context.Context, tool hardware.Tool, state hardware.ToolState) error {
	addr, ok := d.coils[tool]
	if !ok {
		return fmt.Errorf("%w: %s", hardware.ErrUnknownTool, tool)
	}
	down := state == hardware.ToolDown
	if err := d.client.WriteSingleCoil(ctx, d.cfg.UnitID, addr, down); err != nil {
		return fmt.Errorf("write %s coil: %w", tool, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ToolTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(d.cfg.Axes.SettlePoll)
	defer ticker.Stop()

	sensor := d.toolInputs[tool]
	for {
		values, err := d.client.ReadDiscreteInputs(ctx, d.cfg.UnitID, sensor, 1)
		if err == nil && values[0] == down {
			return nil
		}
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("read %s position: %w", tool, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s did not reach %s: %w", tool, state, context.Cause(ctx))
		case <-ticker.C:
		}
	}
}

// ReadSensor serves from the poller cache while it is fresh and falls back
// to a direct read otherwise.
func (d *Desk) ReadSensor(ctx context.Context, sensor hardware.Sensor) (bool, error) {
	addr, ok := d.inputs[sensor]
	if !ok {
		return false, fmt.Errorf("%w: %s", hardware.ErrUnknownSensor, sensor)
	}

	value, sampled, err := d.poller.Input(addr)
	if err == nil && time.Since(sampled) <= 2*d.cfg.PollInterval {
		return value, nil
	}

	values, err := d.client.ReadDiscreteInputs(ctx, d.cfg.UnitID, addr, 1)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", sensor, err)
	}
	return values[0], nil
}

// EmergencyStop sets the drive stop coil. It uses its own deadline so it
// still goes out when the run context is already cancelled.
func (d *Desk) EmergencyStop() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DefaultTimeout)
	defer cancel()

	if err := d.client.WriteSingleCoil(ctx, d.cfg.UnitID, d.cfg.Axes.StopCoil, true); err != nil {
		d.logger.Error("Emergency stop coil write failed", zap.Error(err))
		return fmt.Errorf("write stop coil: %w", err)
	}
	d.logger.Warn("Emergency stop coil set", zap.Uint16("coil", d.cfg.Axes.StopCoil))
	return nil
}

// ReleaseStop clears the drive stop coil after a reset.
func (d *Desk) ReleaseStop(ctx context.Context) error {
	return d.client.WriteSingleCoil(ctx, d.cfg.UnitID, d.cfg.Axes.StopCoil, false)
}

func (d *Desk) Position() (float64, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.posX, d.posY
}

func (d *Desk) Close() error {
	d.poller.Stop()
	return d.client.Close()
}

func (d *Desk) readPosition(ctx context.Context, ax axis) (float64, error) {
	regs, err := d.client.ReadHoldingRegisters(ctx, d.cfg.UnitID, ax.position, 2)
	if err != nil {
		return 0, err
	}
	if len(regs) != 2 {
		return 0, fmt.Errorf("expected 2 registers, got %d", len(regs))
	}
	return float64(uint32(regs[0])<<16|uint32(regs[1])) * d.cfg.Axes.Resolution, nil
}

func (d *Desk) toRegister(position float64) (uint32, error) {
	raw := math.Round(position / d.cfg.Axes.Resolution)
	if raw < 0 || raw > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %.2f", ErrOutOfRange, position)
	}
	return uint32(raw), nil
}

// splitUint32 returns the high word first.
func splitUint32(v uint32) []uint16 {
	return []uint16{uint16(v >> 16), uint16(v)}
}
