package protocol

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
)

// Envelope types carried over the WebSocket transport.
const (
	TypeConnect     = "connect"
	TypePublish     = "publish"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeAck         = "ack"
	TypeDefer       = "defer"
	TypeDiscard     = "discard"
	TypeReplay      = "replay"
	TypeHeartbeat   = "heartbeat"

	TypeResponse = "response"
	TypeError    = "error"
	TypeEvent    = "event"
)

// Envelope frames every WebSocket message. Requests and their responses
// share ID; pushed events have no ID.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the wire form of an *errors.Error.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope marshals payload into an envelope.
func NewEnvelope(typ, id string, payload any) (*Envelope, error) {
	env := &Envelope{Type: typ, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// ErrorEnvelope builds an error reply for request id.
func ErrorEnvelope(id string, err error) *Envelope {
	return &Envelope{Type: TypeError, ID: id, Error: ErrorBodyFrom(err)}
}

// Decode unmarshals the envelope payload into out.
func (e *Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed "+e.Type+" payload")
	}
	return nil
}

// Err rebuilds the structured error carried by an error envelope.
func (e *Envelope) Err() error {
	if e.Error == nil {
		return nil
	}
	return apperrors.New(apperrors.ErrorCode(e.Error.Code), e.Error.Message)
}

// ErrorBodyFrom flattens any error into its wire form.
func ErrorBodyFrom(err error) *ErrorBody {
	if e, ok := apperrors.As(err); ok {
		return &ErrorBody{Code: string(e.Code), Message: e.Message}
	}
	return &ErrorBody{Code: string(apperrors.ErrCodeServer), Message: err.Error()}
}
