package ensync

import (
	"encoding/json"
	"time"

	"github.com/odvcencio/ensync/pkg/crypto"
	apperrors "github.com/odvcencio/ensync/pkg/errors"
	"github.com/odvcencio/ensync/pkg/protocol"
)

// Event is a delivered event with its payload decrypted.
type Event struct {
	Idem      string
	Block     int64
	EventName string
	// Payload is set when the plaintext is a JSON object.
	Payload    map[string]any
	RawPayload json.RawMessage
	Metadata   map[string]any
	Headers    map[string]string
	Sender     string
	Timestamp  time.Time
}

// Decode unmarshals the decrypted payload into out.
func (e *Event) Decode(out any) error {
	if err := json.Unmarshal(e.RawPayload, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "decode event payload")
	}
	return nil
}

func decryptEvent(msg *protocol.EventMessage, secretB64 string) (*Event, error) {
	plaintext, err := crypto.DecodePayload(msg.Payload, secretB64)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		Idem:       msg.EventIdem,
		Block:      msg.Block,
		EventName:  msg.EventName,
		RawPayload: json.RawMessage(plaintext),
		Metadata:   msg.Metadata,
		Headers:    msg.Headers,
		Sender:     msg.Sender,
		Timestamp:  msg.Timestamp,
	}
	var obj map[string]any
	if json.Unmarshal(plaintext, &obj) == nil {
		ev.Payload = obj
	}
	return ev, nil
}
