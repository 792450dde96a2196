package oracle

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// RequestSize is the size of an encoded page request.
const RequestSize = 16

var ErrRequestSize = errors.New("oracle: page request must be 16 bytes")

// Request asks for Length bytes of machine memory at physical address Paddr.
// The response is exactly Length raw bytes, without framing.
type Request struct {
	Paddr  uint64
	Length uint64
}

func (r Request) MarshalBinary() ([]byte, error) {
	out := make([]byte, RequestSize)
	binary.LittleEndian.PutUint64(out[:8], r.Paddr)
	binary.LittleEndian.PutUint64(out[8:], r.Length)
	return out, nil
}

func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) != RequestSize {
		return fmt.Errorf("%w: got %d", ErrRequestSize, len(data))
	}
	r.Paddr = binary.LittleEndian.Uint64(data[:8])
	r.Length = binary.LittleEndian.Uint64(data[8:])
	return nil
}

func ParseRequest(data []byte) (Request, error) {
	var r Request
	err := r.UnmarshalBinary(data)
	return r, err
}
