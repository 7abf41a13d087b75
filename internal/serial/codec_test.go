package serial

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeLayout(t *testing.T) {
	c := Codec{}
	got, err := c.Encode([]byte{0x00, 0x00, 0x00, 0x00, 0xE1, 0x01, 0x02, 0x03, 0xFF, 0xFF, 0xFF, 0xFF})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got[0] != 0x2D || got[1] != 0xD4 || got[2] != 0x00 || got[3] != 13 {
		t.Fatalf("header % X", got[:4])
	}
	var sum byte = 0x2D + 0x00 + 13
	for _, b := range got[4 : len(got)-1] {
		sum += b
	}
	if got[len(got)-1] != sum {
		t.Fatalf("checksum 0x%02X want 0x%02X", got[len(got)-1], sum)
	}
}

func TestEncodeTooLarge(t *testing.T) {
	if _, err := (Codec{}).Encode(make([]byte, MaxPayload+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestRoundTripChunked(t *testing.T) {
	c := Codec{}
	want := [][]byte{
		{StatusOK},
		bytes.Repeat([]byte{0xAB}, 300), // length above one byte
		{StatusOverrun},
		{0x01, 0x02, 0x03},
	}
	var stream []byte
	stream = append(stream, 0x00, 0x13, 0x37) // leading garbage
	for _, p := range want {
		f, err := c.Encode(p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stream = append(stream, f...)
	}
	var buf bytes.Buffer
	var got [][]byte
	sizes := []int{1, 2, 3, 5, 7, 11, 64}
	for pos, k := 0, 0; pos < len(stream); k++ {
		n := sizes[k%len(sizes)]
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		buf.Write(stream[pos : pos+n])
		pos += n
		c.DecodeStream(&buf, 1024, func(p []byte) { got = append(got, p) })
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d envelopes, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("envelope %d mismatch: % X want % X", i, got[i], want[i])
		}
	}
}
