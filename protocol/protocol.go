// Package protocol implements the LegacyChat wire format: one JSON object
// per line, terminated by a single '\n'.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"legacychat/models"
)

// DefaultMaxLine bounds a single request line. File attachments travel
// base64-encoded inside one line, so the bound is generous.
const DefaultMaxLine = 16 << 20

var (
	ErrDecode      = errors.New("invalid JSON")
	ErrLineTooLong = errors.New("line exceeds maximum length")
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request is one decoded request object. Fields vary by action.
type Request map[string]any

// String returns the string value stored under key, or "" if the key is
// absent or holds a non-string value.
func (r Request) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Action returns the request's action name.
func (r Request) Action() string {
	return r.String("action")
}

// Response is the reply to a single request.
type Response struct {
	Status   string           `json:"status"`
	Message  string           `json:"message,omitempty"`
	Buddies  []string         `json:"buddies,omitzero"`
	Messages []models.Message `json:"messages,omitzero"`
}

func Success(message string) Response {
	return Response{Status: StatusSuccess, Message: message}
}

func Failure(message string) Response {
	return Response{Status: StatusError, Message: message}
}

// OK reports whether the response carries a success status.
func (r Response) OK() bool {
	return r.Status == StatusSuccess
}

// Decoder reads newline-delimited records from a byte stream.
type Decoder struct {
	r   *bufio.Reader
	max int
	buf []byte
}

// NewDecoder returns a decoder that rejects lines longer than maxLine
// bytes. maxLine <= 0 selects DefaultMaxLine.
func NewDecoder(r io.Reader, maxLine int) *Decoder {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &Decoder{r: bufio.NewReaderSize(r, 4096), max: maxLine}
}

// ReadLine returns the next complete line including its terminator. A
// trailing fragment without '\n' at end of stream is dropped and io.EOF is
// returned. The returned slice is only valid until the next call.
func (d *Decoder) ReadLine() ([]byte, error) {
	d.buf = d.buf[:0]
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(d.buf)+len(chunk) > d.max+1 {
			return nil, ErrLineTooLong
		}
		d.buf = append(d.buf, chunk...)
		switch {
		case err == nil:
			return d.buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

// Next returns the next request. Blank lines are skipped. A line that is
// not a JSON object yields an error wrapping ErrDecode; the decoder stays
// positioned after that line so the caller may continue.
func (d *Decoder) Next() (Request, error) {
	for {
		line, err := d.ReadLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if req == nil {
			return nil, fmt.Errorf("%w: not an object", ErrDecode)
		}
		return req, nil
	}
}

// Encoder writes one JSON value per line.
type Encoder struct {
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc}
}

// Encode writes v followed by exactly one '\n' in a single Write.
func (e *Encoder) Encode(v any) error {
	return e.enc.Encode(v)
}
