// Package wire implements the length-delimited framing used on driver-host
// sockets. A frame is a 4-byte little-endian payload length followed by the
// payload bytes; the framer has no knowledge of payload semantics.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame payload. The cap protects the reader
// from allocating on behalf of a misbehaving or malicious peer.
const MaxMessageSize = 16 * 1024 * 1024

const prefixLen = 4

var (
	ErrTooLarge      = errors.New("wire: payload exceeds maximum message size")
	ErrFrameTooLarge = errors.New("wire: declared frame length exceeds maximum message size")
	ErrTruncated     = errors.New("wire: stream closed mid-frame")
)

// Encode writes one frame to w. It fails with ErrTooLarge before writing
// anything if payload exceeds MaxMessageSize.
func Encode(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	var prefix [prefixLen]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// Decoder reads consecutive frames from one byte stream. A Decoder is bound
// to a single connection; framing errors are fatal for that connection and
// the Decoder must not be reused after one.
type Decoder struct {
	r io.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next frame payload. It returns io.EOF when the stream
// closes cleanly on a frame boundary, ErrTruncated when it closes mid-frame,
// and ErrFrameTooLarge when the declared length exceeds MaxMessageSize
// (checked before any payload allocation).
func (d *Decoder) Next() ([]byte, error) {
	var prefix [prefixLen]byte
	if _, err := io.ReadFull(d.r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}

	length := binary.LittleEndian.Uint32(prefix[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if length == 0 {
		return nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return payload, nil
}
