package datastream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// maxPayload bounds a single decoded record.
	maxPayload = 16 << 20
	// maxField bounds the code and length fields.
	maxField = 16
)

var ErrMalformed = errors.New("malformed chunk")

// Encode renders one chunk as a wire record.
func Encode(c Chunk) ([]byte, error) {
	code, err := c.Type.Code()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(c.Value)
	if err != nil {
		return nil, fmt.Errorf("encode %s chunk: %w", c.Type, err)
	}
	out := make([]byte, 0, len(payload)+16)
	out = append(out, code...)
	out = append(out, ':')
	out = strconv.AppendInt(out, int64(len(payload)), 10)
	out = append(out, ':')
	out = append(out, payload...)
	out = append(out, '\n')
	return out, nil
}

// MustEncode is Encode for chunks built from known payload types.
func MustEncode(c Chunk) []byte {
	b, err := Encode(c)
	if err != nil {
		panic(err)
	}
	return b
}

// Decoder reads wire records from a byte stream.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next chunk, or io.EOF at a clean end of stream.
func (d *Decoder) Next() (Chunk, error) {
	code, err := d.readField()
	if err != nil {
		if errors.Is(err, io.EOF) && code == "" {
			return Chunk{}, io.EOF
		}
		return Chunk{}, fmt.Errorf("%w: read code: %v", ErrMalformed, err)
	}
	typ, ok := codeTypes[code]
	if !ok {
		return Chunk{}, fmt.Errorf("%w: unknown code %q", ErrMalformed, code)
	}
	lenStr, err := d.readField()
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: read length: %v", ErrMalformed, err)
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil || n < 0 || n > maxPayload {
		return Chunk{}, fmt.Errorf("%w: bad length %q", ErrMalformed, lenStr)
	}
	buf := make([]byte, n+1)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return Chunk{}, fmt.Errorf("%w: read payload: %v", ErrMalformed, err)
	}
	if buf[n] != '\n' {
		return Chunk{}, fmt.Errorf("%w: missing terminator", ErrMalformed)
	}
	return Chunk{Type: typ, Value: json.RawMessage(buf[:n])}, nil
}

// readField reads up to the next ':' and returns the bytes before it. It
// gives up after maxField bytes.
func (d *Decoder) readField() (string, error) {
	var field []byte
	for len(field) < maxField {
		c, err := d.r.ReadByte()
		if err != nil {
			return string(field), err
		}
		if c == ':' {
			return string(field), nil
		}
		field = append(field, c)
	}
	return string(field), fmt.Errorf("field exceeds %d bytes", maxField)
}

// DecodeAll reads every chunk until EOF.
func DecodeAll(r io.Reader) ([]Chunk, error) {
	dec := NewDecoder(r)
	var out []Chunk
	for {
		c, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}
