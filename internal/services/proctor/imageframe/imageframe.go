// Package imageframe encodes the binary frame that carries a cached
// verification image: a 4-byte big-endian session id length, the session id
// bytes, then the image bytes.
package imageframe

import (
	"encoding/binary"
	"errors"
	"math"
)

const headerSize = 4

// ErrShortFrame is returned when a frame is truncated.
var ErrShortFrame = errors.New("image frame too short")

// Encode builds a frame for sessionID and image.
func Encode(sessionID string, image []byte) ([]byte, error) {
	if uint64(len(sessionID)) > math.MaxUint32 {
		return nil, errors.New("session id too long")
	}
	frame := make([]byte, headerSize, headerSize+len(sessionID)+len(image))
	binary.BigEndian.PutUint32(frame, uint32(len(sessionID)))
	frame = append(frame, sessionID...)
	return append(frame, image...), nil
}

// Decode splits a frame into its session id and image bytes. The returned
// image aliases frame.
func Decode(frame []byte) (string, []byte, error) {
	if len(frame) < headerSize {
		return "", nil, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(frame)
	if uint64(len(frame)-headerSize) < uint64(n) {
		return "", nil, ErrShortFrame
	}
	end := headerSize + int(n)
	return string(frame[headerSize:end]), frame[end:], nil
}
