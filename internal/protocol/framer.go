package protocol

import (
	"bytes"
	"errors"
)

// ErrPendingOverflow is returned when a connection accumulates more unframed
// bytes than the framer allows. The peer is either misbehaving or not
// speaking this protocol; the caller should disconnect it.
var ErrPendingOverflow = errors.New("unframed data exceeds pending byte limit")

// Framer turns arbitrarily-chunked stream reads into complete packet
// payloads. One Framer serves one connection and is not safe for concurrent
// use; the per-connection read loop is its only caller.
type Framer struct {
	buf []byte
	max int
}

// NewFramer creates a framer that tolerates at most maxPending unframed
// bytes between delimiters.
//
// Precondition: maxPending must be positive.
func NewFramer(maxPending int) *Framer {
	return &Framer{max: maxPending}
}

// Push appends a chunk of stream data and returns every complete payload it
// completes, in order, without their delimiters. Payloads are copies and
// remain valid after subsequent pushes.
//
// Postcondition: Returns ErrPendingOverflow (alongside any payloads framed
// from this chunk) if the unframed remainder exceeds the limit; the framer
// is unusable for that connection afterwards.
func (f *Framer) Push(chunk []byte) ([][]byte, error) {
	f.buf = append(f.buf, chunk...)

	var payloads [][]byte
	for {
		i := bytes.IndexByte(f.buf, Delimiter)
		if i < 0 {
			break
		}
		payload := make([]byte, i)
		copy(payload, f.buf[:i])
		payloads = append(payloads, payload)
		f.buf = f.buf[i+1:]
	}

	if len(f.buf) > f.max {
		return payloads, ErrPendingOverflow
	}
	return payloads, nil
}

// Pending returns the number of buffered bytes awaiting a delimiter.
func (f *Framer) Pending() int {
	return len(f.buf)
}
