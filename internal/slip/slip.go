// Package slip implements the SLIP framing used by the ESP32 ROM bootloader.
package slip

import "bytes"

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Encode wraps data in END delimiters and escapes END and ESC bytes.
func Encode(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8+2)
	out = append(out, End)
	for _, b := range data {
		switch b {
		case End:
			out = append(out, Esc, EscEnd)
		case Esc:
			out = append(out, Esc, EscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, End)
}

// Decode strips the delimiters of a frame and reverses the escaping.
// An unknown escape yields the escaped byte unchanged.
func Decode(frame []byte) []byte {
	start, stop := 0, len(frame)
	for start < stop && frame[start] == End {
		start++
	}
	for stop > start && frame[stop-1] == End {
		stop--
	}
	if start == stop {
		return nil
	}
	body := frame[start:stop]

	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		if b == Esc && i+1 < len(body) {
			i++
			switch body[i] {
			case EscEnd:
				b = End
			case EscEsc:
				b = Esc
			default:
				b = body[i]
			}
		}
		out = append(out, b)
	}
	return out
}

// ReadFrame returns the first complete frame in data, delimiters included,
// and the bytes after it. Bytes before the first END are discarded; if no
// frame is complete, frame is nil and data is returned unchanged.
func ReadFrame(data []byte) (frame []byte, remaining []byte) {
	start := bytes.IndexByte(data, End)
	if start < 0 {
		return nil, data
	}

	i := start
	for i < len(data) && data[i] == End {
		i++
	}
	if i == len(data) {
		return nil, data
	}

	n := bytes.IndexByte(data[i:], End)
	if n < 0 {
		return nil, data
	}
	stop := i + n + 1
	return data[start:stop], data[stop:]
}

// Buffer accumulates bytes read from a port and yields decoded frames.
type Buffer struct {
	pending []byte
}

// Write appends raw bytes.
func (b *Buffer) Write(p []byte) (int, error) {
	b.pending = append(b.pending, p...)
	return len(p), nil
}

// Next returns the next decoded frame, or nil when none is complete.
func (b *Buffer) Next() []byte {
	for {
		frame, rest := ReadFrame(b.pending)
		if frame == nil {
			return nil
		}
		b.pending = rest
		if data := Decode(frame); data != nil {
			return data
		}
	}
}

// Reset drops any buffered bytes.
func (b *Buffer) Reset() {
	b.pending = b.pending[:0]
}
