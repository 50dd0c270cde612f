package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// FrameHeaderLen is the size of the big-endian length prefix.
const FrameHeaderLen = 4

// DefaultMaxFrame bounds a single envelope on stream transports.
const DefaultMaxFrame = 64 * 1024

// ReadFrame reads one length-prefixed envelope. A clean EOF before any
// header byte is returned as io.EOF so read loops can tell a closed peer
// from a torn frame.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if max > 0 && uint64(n) > uint64(max) {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return payload, nil
}

// WriteFrame writes payload with its length prefix in a single Write call.
func WriteFrame(w io.Writer, payload []byte, max int) error {
	if max > 0 && len(payload) > max {
		return ErrFrameTooLarge
	}
	buf := make([]byte, FrameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[FrameHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}
