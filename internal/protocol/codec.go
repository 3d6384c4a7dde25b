package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/gochat-rtc/internal/apperr"
)

var (
	// ErrMalformed is returned for frames that are not a JSON envelope.
	ErrMalformed = apperr.InvalidArg("malformed envelope")
	// ErrUnknownType is returned for a discriminant outside the decode table.
	ErrUnknownType = apperr.InvalidArg("unknown envelope type")
)

type header struct {
	Type string `json:"type"`
}

type validator interface {
	Validate() error
}

var clientTypes = map[string]func() Envelope{
	TypeLogin:             func() Envelope { return &Login{} },
	TypeLogout:            func() Envelope { return &Logout{} },
	TypeGetOnlineUsers:    func() Envelope { return &GetOnlineUsers{} },
	TypeSendMessage:       func() Envelope { return &SendMessage{} },
	TypeGetMessageHistory: func() Envelope { return &GetMessageHistory{} },
	TypeMarkAsRead:        func() Envelope { return &MarkAsRead{} },
	TypeTyping:            func() Envelope { return &Typing{} },
	TypeAddReaction:       func() Envelope { return &AddReaction{} },
	TypeRemoveReaction:    func() Envelope { return &RemoveReaction{} },
	TypeCallOffer:         func() Envelope { return &CallOffer{} },
	TypeCallAnswer:        func() Envelope { return &CallAnswer{} },
	TypeIceCandidate:      func() Envelope { return &IceCandidate{} },
	TypeCallEnd:           func() Envelope { return &CallEnd{} },
}

var serverTypes = map[string]func() Envelope{
	TypeLoginSuccess:    func() Envelope { return &LoginSuccess{} },
	TypeOnlineUsers:     func() Envelope { return &OnlineUsers{} },
	TypeUserOnline:      func() Envelope { return &UserOnline{} },
	TypeUserOffline:     func() Envelope { return &UserOffline{} },
	TypeNewMessage:      func() Envelope { return &NewMessage{} },
	TypeMessageHistory:  func() Envelope { return &MessageHistory{} },
	TypeMessageRead:     func() Envelope { return &MessageRead{} },
	TypeTyping:          func() Envelope { return &TypingEvent{} },
	TypeMessageReaction: func() Envelope { return &MessageReaction{} },
	TypeCallOffer:       func() Envelope { return &CallOfferEvent{} },
	TypeCallAnswer:      func() Envelope { return &CallAnswerEvent{} },
	TypeIceCandidate:    func() Envelope { return &IceCandidateEvent{} },
	TypeCallEnd:         func() Envelope { return &CallEndEvent{} },
	TypeSuccess:         func() Envelope { return &Success{} },
	TypeError:           func() Envelope { return &Error{} },
}

// DecodeClient decodes a client-originated frame into a pointer to its
// variant struct and validates the required fields.
func DecodeClient(data []byte) (Envelope, error) {
	env, err := decode(data, clientTypes)
	if err != nil {
		return nil, err
	}
	if v, ok := env.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// DecodeServer decodes a hub-originated frame. It is what a client of the
// hub uses to read its inbound traffic.
func DecodeServer(data []byte) (Envelope, error) {
	return decode(data, serverTypes)
}

func decode(data []byte, table map[string]func() Envelope) (Envelope, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	ctor, ok := table[h.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
	env := ctor()
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, h.Type, err)
	}
	return env, nil
}

// Encode marshals e with its discriminant as the leading "type" field.
func Encode(e Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not a JSON object", e.Type())
	}
	typ, err := json.Marshal(e.Type())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type(), err)
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
