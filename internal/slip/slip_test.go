package slip

import (
	"bytes"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected []byte
	}{
		{"empty", nil, []byte{End, End}},
		{"plain", []byte{0x01, 0x02, 0x03}, []byte{End, 0x01, 0x02, 0x03, End}},
		{"end byte", []byte{0x01, End, 0x03}, []byte{End, 0x01, Esc, EscEnd, 0x03, End}},
		{"esc byte", []byte{0x01, Esc, 0x03}, []byte{End, 0x01, Esc, EscEsc, 0x03, End}},
		{"mixed", []byte{End, Esc, End}, []byte{End, Esc, EscEnd, Esc, EscEsc, Esc, EscEnd, End}},
	}

	for _, tc := range tests {
		if got := Encode(tc.input); !bytes.Equal(got, tc.expected) {
			t.Errorf("%s: Encode(%v) = %v, want %v", tc.name, tc.input, got, tc.expected)
		}
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		frame    []byte
		expected []byte
	}{
		{"valid", []byte{End, 0x01, 0x02, End}, []byte{0x01, 0x02}},
		{"unescape end", []byte{End, 0x01, Esc, EscEnd, End}, []byte{0x01, End}},
		{"unescape esc", []byte{End, Esc, EscEsc, 0x03, End}, []byte{Esc, 0x03}},
		{"unknown escape", []byte{End, Esc, 0xFF, End}, []byte{0xFF}},
		{"extra delimiters", []byte{End, End, 0x01, End, End}, []byte{0x01}},
		{"non-ascii body", []byte{End, 0xC1, 0xFE, End}, []byte{0xC1, 0xFE}},
		{"empty frame", []byte{End, End}, nil},
		{"nil", nil, nil},
	}

	for _, tc := range tests {
		if got := Decode(tc.frame); !bytes.Equal(got, tc.expected) || (tc.expected == nil && got != nil) {
			t.Errorf("%s: Decode(%v) = %v, want %v", tc.name, tc.frame, got, tc.expected)
		}
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := [][]byte{
		{0x00},
		{End},
		{Esc},
		{0x00, End, 0x00, Esc, 0x00},
		{0xFF, 0xFE, 0xFD},
		make([]byte, 1024),
	}

	for i, tc := range cases {
		if got := Decode(Encode(tc)); !bytes.Equal(got, tc) {
			t.Errorf("case %d: round trip = %v, want %v", i, got, tc)
		}
	}
}

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		frame     []byte
		remaining []byte
	}{
		{"single", []byte{End, 0x01, End}, []byte{End, 0x01, End}, []byte{}},
		{"two frames", []byte{End, 0x01, End, End, 0x02, End}, []byte{End, 0x01, End}, []byte{End, 0x02, End}},
		{"leading garbage", []byte{0x09, End, 0x03, End}, []byte{End, 0x03, End}, []byte{}},
		{"incomplete", []byte{End, 0x01, 0x02}, nil, []byte{End, 0x01, 0x02}},
		{"no delimiter", []byte{0x01, 0x02}, nil, []byte{0x01, 0x02}},
		{"only delimiters", []byte{End, End, End}, nil, []byte{End, End, End}},
	}

	for _, tc := range tests {
		frame, remaining := ReadFrame(tc.data)
		if !bytes.Equal(frame, tc.frame) || (tc.frame == nil && frame != nil) {
			t.Errorf("%s: ReadFrame frame = %v, want %v", tc.name, frame, tc.frame)
		}
		if !bytes.Equal(remaining, tc.remaining) {
			t.Errorf("%s: ReadFrame remaining = %v, want %v", tc.name, remaining, tc.remaining)
		}
	}
}

func TestBuffer_SplitWrites(t *testing.T) {
	encoded := append(Encode([]byte{0x01, End}), Encode([]byte{0x02})...)

	var buf Buffer
	buf.Write(encoded[:3])
	if got := buf.Next(); got != nil {
		t.Fatalf("Next() on partial frame = %v, want nil", got)
	}

	buf.Write(encoded[3:])
	if got := buf.Next(); !bytes.Equal(got, []byte{0x01, End}) {
		t.Errorf("first Next() = %v, want [0x01 0xC0]", got)
	}
	if got := buf.Next(); !bytes.Equal(got, []byte{0x02}) {
		t.Errorf("second Next() = %v, want [0x02]", got)
	}
	if got := buf.Next(); got != nil {
		t.Errorf("third Next() = %v, want nil", got)
	}
}

func TestBuffer_Reset(t *testing.T) {
	var buf Buffer
	buf.Write([]byte{End, 0x01})
	buf.Reset()
	buf.Write([]byte{0x02, End})

	if got := buf.Next(); got != nil {
		t.Errorf("Next() after Reset = %v, want nil", got)
	}
}
