package modbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrNoSample = errors.New("modbus: no input sample yet")

// InputPoller reads a block of discrete inputs cyclically and keeps the
// latest sample, so sensor reads do not each cost a round trip.
type InputPoller struct {
	client   *Client
	unitID   uint8
	start    uint16
	count    uint16
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	running  bool
	sample   []bool
	sampled  time.Time
	lastErr  error
	onChange func(addr uint16, value bool)
}

func NewInputPoller(client *Client, unitID uint8, start, count uint16, interval time.Duration, logger *zap.Logger) *InputPoller {
	return &InputPoller{
		client:   client,
		unitID:   unitID,
		start:    start,
		count:    count,
		interval: interval,
		logger:   logger,
	}
}

// OnChange registers a callback for input edges. It runs on the poll
// goroutine.
func (p *InputPoller) OnChange(fn func(addr uint16, value bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

func (p *InputPoller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.wg.Add(1)

	go p.pollLoop(p.stopChan)

	p.logger.Info("Input poller started",
		zap.String("address", p.client.Address()),
		zap.Uint16("start", p.start),
		zap.Uint16("count", p.count),
		zap.Duration("interval", p.interval))

	return nil
}

func (p *InputPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stop := p.stopChan
	p.mu.Unlock()

	close(stop)
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.logger.Info("Input poller stopped", zap.String("address", p.client.Address()))
}

func (p *InputPoller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Input returns the last sampled value of addr and the sample time.
func (p *InputPoller) Input(addr uint16) (bool, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sample == nil {
		if p.lastErr != nil {
			return false, time.Time{}, p.lastErr
		}
		return false, time.Time{}, ErrNoSample
	}
	if addr < p.start || addr >= p.start+p.count {
		return false, time.Time{}, &ExceptionError{FunctionCode: FuncCodeReadDiscreteInputs, Code: 0x02}
	}
	return p.sample[addr-p.start], p.sampled, nil
}

func (p *InputPoller) pollLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll is bounded by the client timeout, not the poll interval.
func (p *InputPoller) poll(ctx context.Context) {
	values, err := p.client.ReadDiscreteInputs(ctx, p.unitID, p.start, p.count)

	p.mu.Lock()
	if err != nil {
		p.lastErr = err
		p.sample = nil
		p.mu.Unlock()
		p.logger.Debug("Input poll failed", zap.Error(err))
		return
	}
	previous := p.sample
	p.sample = values
	p.sampled = time.Now()
	p.lastErr = nil
	onChange := p.onChange
	p.mu.Unlock()

	if onChange == nil || previous == nil {
		return
	}
	for i, v := range values {
		if previous[i] != v {
			onChange(p.start+uint16(i), v)
		}
	}
}
