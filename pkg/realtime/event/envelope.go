package event

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire format in both directions: an event name plus an
// opaque payload the relay never inspects.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals an inbound frame and resolves its event kind. A frame
// that is not a valid envelope returns an error; a valid envelope with an
// unknown event name returns KindInvalid with no error, so the caller can
// distinguish malformed data from merely unknown events.
func Decode(data []byte) (Kind, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return KindInvalid, nil, fmt.Errorf("event: invalid envelope: %s", err.Error())
	}

	if env.Event == "" {
		return KindInvalid, nil, fmt.Errorf("event: envelope does not contain an event name")
	}

	return ParseKind(env.Event), env.Payload, nil
}

// Encode marshals an outbound envelope. The payload may be any
// JSON-marshalable value or a pre-encoded json.RawMessage.
func Encode(kind Kind, payload interface{}) ([]byte, error) {
	name := kind.String()
	if name == "" {
		return nil, fmt.Errorf("event: cannot encode invalid kind %d", kind)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("event: cannot marshal payload for '%s': %s", name, err.Error())
		}
		raw = data
	}

	return json.Marshal(Envelope{Event: name, Payload: raw})
}
