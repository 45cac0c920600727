package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	headerSize    = 8
	checksumSeed  = 0xEF
	minResponse   = headerSize + 2
	dataHeaderLen = 16
)

// Request is a ROM bootloader command before SLIP framing.
type Request struct {
	Command  byte
	Data     []byte
	Checksum uint32
}

// Response is a decoded ROM bootloader reply.
type Response struct {
	Command byte
	Value   uint32
	Data    []byte
	Status  byte
	Error   byte
}

// NewRequest creates a command request. Only FLASH_DATA carries a checksum;
// the ROM ignores the field for every other command.
func NewRequest(cmd byte, data []byte) *Request {
	return &Request{Command: cmd, Data: data}
}

// NewFlashDataRequest creates a FLASH_DATA request for one block, padding it
// to FlashBlockSize with 0xFF.
func NewFlashDataRequest(block []byte, seq uint32) *Request {
	padded := PadBlock(block)

	payload := make([]byte, dataHeaderLen+len(padded))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(padded)))
	binary.LittleEndian.PutUint32(payload[4:8], seq)
	copy(payload[dataHeaderLen:], padded)

	return &Request{
		Command:  CmdFlashData,
		Data:     payload,
		Checksum: Checksum(padded),
	}
}

// Checksum is the XOR of every byte seeded with 0xEF.
func Checksum(data []byte) uint32 {
	var sum byte = checksumSeed
	for _, b := range data {
		sum ^= b
	}
	return uint32(sum)
}

// Encode serializes the request:
// direction(1) command(1) size(2 LE) checksum(4 LE) data.
func (r *Request) Encode() []byte {
	packet := make([]byte, headerSize+len(r.Data))
	packet[0] = DirRequest
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(r.Data)))
	binary.LittleEndian.PutUint32(packet[4:8], r.Checksum)
	copy(packet[headerSize:], r.Data)
	return packet
}

// DecodeResponse parses an unframed response. The last two data bytes carry
// the status and error code.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) < minResponse {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}
	if data[0] != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	size := int(binary.LittleEndian.Uint16(data[2:4]))
	if size > len(data)-headerSize {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d", size, len(data)-headerSize)
	}

	resp := &Response{
		Command: data[1],
		Value:   binary.LittleEndian.Uint32(data[4:8]),
	}
	body := data[headerSize : headerSize+size]
	switch {
	case size >= 2:
		resp.Data = body[:size-2]
		resp.Status = body[size-2]
		resp.Error = body[size-1]
	case size > 0:
		resp.Data = body
	}
	return resp, nil
}

// IsSuccess reports a zero status and error code.
func (r *Response) IsSuccess() bool {
	return r.Status == 0 && r.Error == 0
}

// ErrorString describes a failed response, or returns "" on success.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X error=0x%02X (%s)", r.Status, r.Error, ErrorMessage(r.Error))
}
