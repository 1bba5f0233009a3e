package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var ErrNotConnected = errors.New("modbus: not connected")

// Client is a Modbus TCP master. Requests are serialised on one connection.
type Client struct {
	address       string
	conn          net.Conn
	mu            sync.Mutex
	transactionID uint16
	timeout       time.Duration
	connected     bool
}

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{
		address: address,
		timeout: timeout,
	}
}

func (c *Client) Address() string {
	return c.address
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true

	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil

	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendFrame sends a request and waits for the matching response. The
// deadline is the earlier of ctx's deadline and the client timeout. A
// transport failure drops the connection.
func (c *Client) SendFrame(ctx context.Context, request *Frame) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, ErrNotConnected
	}
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	c.transactionID++
	request.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, c.drop(fmt.Errorf("set deadline: %w", err))
	}

	if _, err := c.conn.Write(request.Encode()); err != nil {
		return nil, c.drop(fmt.Errorf("write failed: %w", err))
	}

	response, err := c.readFrame()
	if err != nil {
		return nil, c.drop(err)
	}

	if response.TransactionID != request.TransactionID {
		return nil, c.drop(fmt.Errorf("transaction ID mismatch: expected %d, got %d",
			request.TransactionID, response.TransactionID))
	}
	if err := response.Err(); err != nil {
		return nil, err
	}
	if response.FunctionCode != request.FunctionCode {
		return nil, fmt.Errorf("function code mismatch: expected 0x%02X, got 0x%02X",
			request.FunctionCode, response.FunctionCode)
	}

	return response, nil
}

func (c *Client) readFrame() (*Frame, error) {
	header := make([]byte, mbapLength)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}

	length := int(header[4])<<8 | int(header[5])
	if length < 2 || mbapLength-1+length > maxFrameSize {
		return nil, fmt.Errorf("invalid frame length %d", length)
	}

	buf := make([]byte, mbapLength-1+length)
	copy(buf, header)
	if _, err := io.ReadFull(c.conn, buf[mbapLength:]); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}

	response, err := DecodeFrame(buf)
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	return response, nil
}

// drop must be called with mu held.
func (c *Client) drop(err error) error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.connected = false
	return err
}

func (c *Client) ReadCoils(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]bool, error) {
	response, err := c.SendFrame(ctx, ReadCoilsRequest(unitID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseBitsResponse(quantity)
}

func (c *Client) ReadDiscreteInputs(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]bool, error) {
	response, err := c.SendFrame(ctx, ReadDiscreteInputsRequest(unitID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseBitsResponse(quantity)
}

func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]uint16, error) {
	response, err := c.SendFrame(ctx, ReadHoldingRegistersRequest(unitID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseRegisterResponse()
}

func (c *Client) WriteSingleCoil(ctx context.Context, unitID uint8, addr uint16, on bool) error {
	_, err := c.SendFrame(ctx, WriteSingleCoilRequest(unitID, addr, on))
	return err
}

func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr uint16, value uint16) error {
	_, err := c.SendFrame(ctx, WriteSingleRegisterRequest(unitID, addr, value))
	return err
}

func (c *Client) WriteMultipleRegisters(ctx context.Context, unitID uint8, startAddr uint16, values []uint16) error {
	_, err := c.SendFrame(ctx, WriteMultipleRegistersRequest(unitID, startAddr, values))
	return err
}
