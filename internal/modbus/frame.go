package modbus

import (
	"encoding/binary"
	"fmt"
)

// Frame is a Modbus TCP ADU: MBAP header (7 bytes), function code, data.
type Frame struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16 // bytes following the length field
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	exceptionFlag = 0x80
	mbapLength    = 7
	maxFrameSize  = 260
	coilOn        = 0xFF00
)

// ExceptionError is a Modbus exception response.
type ExceptionError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X for function 0x%02X", e.Code, e.FunctionCode)
}

func (f *Frame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // UnitID + FunctionCode

	frame := make([]byte, mbapLength+1+len(f.Data))

	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID

	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < mbapLength+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &Frame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}
	if int(frame.Length) != len(data)-6 {
		return nil, fmt.Errorf("length field %d does not match %d bytes", frame.Length, len(data)-6)
	}

	if len(data) > mbapLength+1 {
		frame.Data = append([]byte(nil), data[8:]...)
	}

	return frame, nil
}

// Err returns the exception carried by a response, if any.
func (f *Frame) Err() error {
	if f.FunctionCode&exceptionFlag == 0 {
		return nil
	}
	code := uint8(0)
	if len(f.Data) > 0 {
		code = f.Data[0]
	}
	return &ExceptionError{FunctionCode: f.FunctionCode &^ exceptionFlag, Code: code}
}

func addressQuantityRequest(unitID uint8, function uint8, addr, quantity uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &Frame{
		UnitID:       unitID,
		FunctionCode: function,
		Data:         data,
	}
}

func ReadCoilsRequest(unitID uint8, startAddr, quantity uint16) *Frame {
	return addressQuantityRequest(unitID, FuncCodeReadCoils, startAddr, quantity)
}

func ReadDiscreteInputsRequest(unitID uint8, startAddr, quantity uint16) *Frame {
	return addressQuantityRequest(unitID, FuncCodeReadDiscreteInputs, startAddr, quantity)
}

func ReadHoldingRegistersRequest(unitID uint8, startAddr, quantity uint16) *Frame {
	return addressQuantityRequest(unitID, FuncCodeReadHoldingRegisters, startAddr, quantity)
}

func ReadInputRegistersRequest(unitID uint8, startAddr, quantity uint16) *Frame {
	return addressQuantityRequest(unitID, FuncCodeReadInputRegisters, startAddr, quantity)
}

func WriteSingleCoilRequest(unitID uint8, addr uint16, on bool) *Frame {
	value := uint16(0)
	if on {
		value = coilOn
	}
	return addressQuantityRequest(unitID, FuncCodeWriteSingleCoil, addr, value)
}

func WriteSingleRegisterRequest(unitID uint8, addr uint16, value uint16) *Frame {
	return addressQuantityRequest(unitID, FuncCodeWriteSingleRegister, addr, value)
}

func WriteMultipleRegistersRequest(unitID uint8, startAddr uint16, values []uint16) *Frame {
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}

	return &Frame{
		UnitID:       unitID,
		FunctionCode: FuncCodeWriteMultipleRegisters,
		Data:         data,
	}
}

// ParseRegisterResponse parses a holding or input register response.
func (f *Frame) ParseRegisterResponse() ([]uint16, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := f.Data[0]
	if len(f.Data) < int(byteCount)+1 {
		return nil, fmt.Errorf("incomplete response data")
	}

	registerCount := byteCount / 2
	registers := make([]uint16, registerCount)

	for i := 0; i < int(registerCount); i++ {
		offset := 1 + (i * 2)
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}

	return registers, nil
}

// ParseBitsResponse parses a coil or discrete input response. Bits are
// packed LSB first.
func (f *Frame) ParseBitsResponse(quantity uint16) ([]bool, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := int(f.Data[0])
	if byteCount < (int(quantity)+7)/8 || len(f.Data) < byteCount+1 {
		return nil, fmt.Errorf("incomplete response data")
	}

	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = f.Data[1+i/8]&(1<<(i%8)) != 0
	}
	return bits, nil
}

// PackBits is the inverse of ParseBitsResponse's bit layout.
func PackBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}
