// Package modbustest provides an in-process Modbus TCP slave for tests.
package modbustest

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/orharazi/Scratch-Desk-sub002/internal/modbus"
)

// Server serves coils, discrete inputs and holding registers from memory.
type Server struct {
	lis net.Listener
	wg  sync.WaitGroup

	mu              sync.Mutex
	coils           map[uint16]bool
	inputs          map[uint16]bool
	holding         map[uint16]uint16
	requests        int
	onRegisterWrite func(addr, value uint16)
	onCoilWrite     func(addr uint16, on bool)
	conns           map[net.Conn]struct{}
}

func NewServer() (*Server, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		lis:     lis,
		coils:   make(map[uint16]bool),
		inputs:  make(map[uint16]bool),
		holding: make(map[uint16]uint16),
		conns:   make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

func (s *Server) Close() error {
	err := s.lis.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) SetInput(addr uint16, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[addr] = v
}

func (s *Server) Input(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[addr]
}

func (s *Server) SetCoil(addr uint16, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coils[addr] = v
}

func (s *Server) Coil(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coils[addr]
}

func (s *Server) SetHolding(addr, v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holding[addr] = v
}

func (s *Server) Holding(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding[addr]
}

func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// OnRegisterWrite is called, without the server lock, after every holding
// register write.
func (s *Server) OnRegisterWrite(fn func(addr, value uint16)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRegisterWrite = fn
}

func (s *Server) OnCoilWrite(fn func(addr uint16, on bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCoilWrite = fn
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		header := make([]byte, 7)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := int(binary.BigEndian.Uint16(header[4:6]))
		if length < 2 {
			return
		}
		buf := make([]byte, 6+length)
		copy(buf, header)
		if _, err := io.ReadFull(conn, buf[7:]); err != nil {
			return
		}

		request, err := modbus.DecodeFrame(buf)
		if err != nil {
			return
		}

		response := s.handle(request)
		if _, err := conn.Write(response.Encode()); err != nil {
			return
		}
	}
}

var errIllegalAddress = errors.New("illegal data address")

func (s *Server) handle(req *modbus.Frame) *modbus.Frame {
	resp := &modbus.Frame{
		TransactionID: req.TransactionID,
		UnitID:        req.UnitID,
		FunctionCode:  req.FunctionCode,
	}

	data, err := s.process(req)
	if err != nil {
		resp.FunctionCode |= 0x80
		resp.Data = []byte{0x02}
		if !errors.Is(err, errIllegalAddress) {
			resp.Data = []byte{0x01}
		}
		return resp
	}
	resp.Data = data
	return resp
}

func (s *Server) process(req *modbus.Frame) ([]byte, error) {
	if len(req.Data) < 4 {
		return nil, errIllegalAddress
	}
	addr := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	s.mu.Lock()
	s.requests++
	onRegister := s.onRegisterWrite
	onCoil := s.onCoilWrite
	s.mu.Unlock()

	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		source := s.inputs
		if req.FunctionCode == modbus.FuncCodeReadCoils {
			source = s.coils
		}
		s.mu.Lock()
		bits := make([]bool, value)
		for i := range bits {
			bits[i] = source[addr+uint16(i)]
		}
		s.mu.Unlock()
		packed := modbus.PackBits(bits)
		return append([]byte{byte(len(packed))}, packed...), nil

	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		out := make([]byte, 1+2*int(value))
		out[0] = byte(2 * value)
		s.mu.Lock()
		for i := 0; i < int(value); i++ {
			binary.BigEndian.PutUint16(out[1+2*i:], s.holding[addr+uint16(i)])
		}
		s.mu.Unlock()
		return out, nil

	case modbus.FuncCodeWriteSingleCoil:
		on := value == 0xFF00
		s.SetCoil(addr, on)
		if onCoil != nil {
			onCoil(addr, on)
		}
		return req.Data[:4], nil

	case modbus.FuncCodeWriteSingleRegister:
		s.SetHolding(addr, value)
		if onRegister != nil {
			onRegister(addr, value)
		}
		return req.Data[:4], nil

	case modbus.FuncCodeWriteMultipleRegisters:
		if len(req.Data) < 5+2*int(value) {
			return nil, errIllegalAddress
		}
		for i := 0; i < int(value); i++ {
			v := binary.BigEndian.Uint16(req.Data[5+2*i:])
			s.SetHolding(addr+uint16(i), v)
			if onRegister != nil {
				onRegister(addr+uint16(i), v)
			}
		}
		return req.Data[:4], nil
	}

	return nil, errors.New("illegal function")
}
