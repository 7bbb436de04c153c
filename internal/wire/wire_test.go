package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("hello"),
		{},
		[]byte{0x00, 0xFF, 0x10},
		bytes.Repeat([]byte("x"), 64*1024),
	}

	var buf bytes.Buffer
	for _, p := range payloads {
		if err := Encode(&buf, p); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range payloads {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d mismatch: got %d bytes want %d", i, len(got), len(want))
		}
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after last frame, got %v", err)
	}
}

func TestEncodeOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, make([]byte, MaxMessageSize+1))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("oversized encode wrote %d bytes", buf.Len())
	}
}

func TestEncodeAtExactCap(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, make([]byte, MaxMessageSize)); err != nil {
		t.Fatalf("encode at cap: %v", err)
	}
	got, err := NewDecoder(&buf).Next()
	if err != nil {
		t.Fatalf("decode at cap: %v", err)
	}
	if len(got) != MaxMessageSize {
		t.Fatalf("decoded %d bytes, want %d", len(got), MaxMessageSize)
	}
}

func TestDecodeOversizedDeclaredLength(t *testing.T) {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], MaxMessageSize+1)
	dec := NewDecoder(bytes.NewReader(prefix[:]))
	_, err := dec.Next()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], 100)
	buf.Write(prefix[:])
	buf.Write([]byte("only ten b"))

	_, err := NewDecoder(&buf).Next()
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeTruncatedPrefix(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader([]byte{1, 2})).Next()
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := NewDecoder(&buf).Next()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}
