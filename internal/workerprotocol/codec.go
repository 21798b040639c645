package workerprotocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrMalformed is returned for a line that is not a valid envelope. A decoder
// can keep reading after it.
var ErrMalformed = errors.New("malformed message")

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    Kind        `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes a message as an envelope
func Marshal(m Message) ([]byte, error) {
	if u, ok := m.(Unknown); ok {
		return json.Marshal(EnvelopeRaw{Type: u.Type, Payload: u.Payload})
	}
	return json.Marshal(Envelope{Type: m.Kind(), Payload: m})
}

// Unmarshal decodes an envelope into its concrete message type
func Unmarshal(data []byte) (Message, error) {
	var env EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch Kind(env.Type) {
	case KindStarted:
		return decodePayload[Started](env)
	case KindProgress:
		return decodePayload[Progress](env)
	case KindMemoryReport:
		return decodePayload[MemoryReport](env)
	case KindResult:
		return decodePayload[Result](env)
	case KindError:
		return decodePayload[Error](env)
	case KindTerminated:
		return decodePayload[Terminated](env)
	default:
		return Unknown{Type: env.Type, Payload: env.Payload}, nil
	}
}

func decodePayload[T Message](env EnvelopeRaw) (Message, error) {
	var m T
	if len(env.Payload) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %w", ErrMalformed, env.Type, err)
	}
	return m, nil
}

// Encoder writes messages as newline-delimited JSON. It is safe for
// concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message followed by a newline
func (e *Encoder) Encode(m Message) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}

// maxLineSize bounds a single encoded message; results larger than this are
// reported as decode errors.
const maxLineSize = 16 << 20

// Decoder reads newline-delimited messages
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next message, or io.EOF at the end of the stream.
// Blank lines are skipped.
func (d *Decoder) Next() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return Unmarshal(line)
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
