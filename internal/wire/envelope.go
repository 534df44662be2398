package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrEnvelope = errors.New("wire: unexpected response envelope")

// Envelope is the shape of every server reply: a result on success, an
// error object otherwise.
type Envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *EnvelopeError  `json:"error,omitempty"`
}

type EnvelopeError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *EnvelopeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
	}
	return "server error: " + e.Message
}

func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	if env.Error == nil && len(env.Result) == 0 {
		return nil, fmt.Errorf("%w: neither result nor error", ErrEnvelope)
	}
	return &env, nil
}

// DecodeResult unmarshals the result member into v, surfacing a server
// error object as an *EnvelopeError.
func DecodeResult(body []byte, v interface{}) error {
	env, err := ParseEnvelope(body)
	if err != nil {
		return err
	}
	if env.Error != nil {
		return env.Error
	}
	if err := json.Unmarshal(env.Result, v); err != nil {
		return fmt.Errorf("%w: result: %v", ErrEnvelope, err)
	}
	return nil
}

// ResultTrue reports whether body is exactly a {"result": true} acknowledgement.
func ResultTrue(body []byte) bool {
	var ok bool
	if err := DecodeResult(body, &ok); err != nil {
		return false
	}
	return ok
}

func EncodeResult(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Result: raw})
}

func EncodeError(code int, message string) ([]byte, error) {
	return json.Marshal(Envelope{Error: &EnvelopeError{Code: code, Message: message}})
}
