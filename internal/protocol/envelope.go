// Package protocol defines the JSON envelopes exchanged between a client
// connection and the hub. Every envelope is an object whose "type" field
// selects one variant; the variant structs below carry the payload.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"mime"

	"github.com/Tyrowin/gochat-rtc/internal/apperr"
	"github.com/Tyrowin/gochat-rtc/internal/model"
)

// Envelope is one discriminated message unit.
type Envelope interface {
	Type() string
}

// Discriminants. Some are shared by a client variant and a server variant
// (Typing, CallOffer, ...); the direction decides which struct applies.
const (
	TypeLogin             = "Login"
	TypeLogout            = "Logout"
	TypeGetOnlineUsers    = "GetOnlineUsers"
	TypeSendMessage       = "SendMessage"
	TypeGetMessageHistory = "GetMessageHistory"
	TypeMarkAsRead        = "MarkAsRead"
	TypeTyping            = "Typing"
	TypeAddReaction       = "AddReaction"
	TypeRemoveReaction    = "RemoveReaction"
	TypeCallOffer         = "CallOffer"
	TypeCallAnswer        = "CallAnswer"
	TypeIceCandidate      = "IceCandidate"
	TypeCallEnd           = "CallEnd"

	TypeLoginSuccess    = "LoginSuccess"
	TypeOnlineUsers     = "OnlineUsers"
	TypeUserOnline      = "UserOnline"
	TypeUserOffline     = "UserOffline"
	TypeNewMessage      = "NewMessage"
	TypeMessageHistory  = "MessageHistory"
	TypeMessageRead     = "MessageRead"
	TypeMessageReaction = "MessageReaction"
	TypeSuccess         = "Success"
	TypeError           = "Error"
)

// Client -> hub

type Login struct {
	Username string `json:"username"`
}

type Logout struct{}

type GetOnlineUsers struct{}

type SendMessage struct {
	ToUserID string `json:"to_user_id"`
	Content  string `json:"content"`
	*model.Attachment
}

type GetMessageHistory struct {
	OtherUserID string `json:"other_user_id"`
	Limit       *int   `json:"limit,omitempty"`
	Offset      *int   `json:"offset,omitempty"`
}

type MarkAsRead struct {
	MessageID string `json:"message_id"`
}

type Typing struct {
	ToUserID string `json:"to_user_id"`
	IsTyping bool   `json:"is_typing"`
}

type AddReaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type RemoveReaction struct {
	MessageID string `json:"message_id"`
}

// CallOffer, CallAnswer and IceCandidate payloads are opaque to the hub and
// forwarded byte for byte.
type CallOffer struct {
	ToUserID string          `json:"to_user_id"`
	Offer    json.RawMessage `json:"offer"`
}

type CallAnswer struct {
	ToUserID string          `json:"to_user_id"`
	Answer   json.RawMessage `json:"answer"`
}

type IceCandidate struct {
	ToUserID  string          `json:"to_user_id"`
	Candidate json.RawMessage `json:"candidate"`
}

type CallEnd struct {
	ToUserID string `json:"to_user_id"`
}

// Hub -> client

type LoginSuccess struct {
	User model.User `json:"user"`
}

type OnlineUsers struct {
	Users []model.User `json:"users"`
}

type UserOnline struct {
	User model.User `json:"user"`
}

type UserOffline struct {
	UserID string `json:"user_id"`
}

type NewMessage struct {
	Message model.ChatMessage `json:"message"`
}

type MessageHistory struct {
	OtherUserID string              `json:"other_user_id"`
	Messages    []model.ChatMessage `json:"messages"`
	TotalCount  int                 `json:"total_count"`
	HasMore     bool                `json:"has_more"`
}

type MessageRead struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

type TypingEvent struct {
	FromUserID string `json:"from_user_id"`
	IsTyping   bool   `json:"is_typing"`
}

// MessageReaction reports a user's resulting reaction; Emoji is null when
// the reaction was removed.
type MessageReaction struct {
	MessageID string            `json:"message_id"`
	UserID    string            `json:"user_id"`
	Emoji     *string           `json:"emoji"`
	Reactions map[string]string `json:"reactions"`
}

type CallOfferEvent struct {
	FromUserID string          `json:"from_user_id"`
	Offer      json.RawMessage `json:"offer"`
}

type CallAnswerEvent struct {
	FromUserID string          `json:"from_user_id"`
	Answer     json.RawMessage `json:"answer"`
}

type IceCandidateEvent struct {
	FromUserID string          `json:"from_user_id"`
	Candidate  json.RawMessage `json:"candidate"`
}

type CallEndEvent struct {
	FromUserID string `json:"from_user_id"`
}

type Success struct {
	Message string `json:"message"`
}

type Error struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func (Login) Type() string             { return TypeLogin }
func (Logout) Type() string            { return TypeLogout }
func (GetOnlineUsers) Type() string    { return TypeGetOnlineUsers }
func (SendMessage) Type() string       { return TypeSendMessage }
func (GetMessageHistory) Type() string { return TypeGetMessageHistory }
func (MarkAsRead) Type() string        { return TypeMarkAsRead }
func (Typing) Type() string            { return TypeTyping }
func (AddReaction) Type() string       { return TypeAddReaction }
func (RemoveReaction) Type() string    { return TypeRemoveReaction }
func (CallOffer) Type() string         { return TypeCallOffer }
func (CallAnswer) Type() string        { return TypeCallAnswer }
func (IceCandidate) Type() string      { return TypeIceCandidate }
func (CallEnd) Type() string           { return TypeCallEnd }

func (LoginSuccess) Type() string      { return TypeLoginSuccess }
func (OnlineUsers) Type() string       { return TypeOnlineUsers }
func (UserOnline) Type() string        { return TypeUserOnline }
func (UserOffline) Type() string       { return TypeUserOffline }
func (NewMessage) Type() string        { return TypeNewMessage }
func (MessageHistory) Type() string    { return TypeMessageHistory }
func (MessageRead) Type() string       { return TypeMessageRead }
func (TypingEvent) Type() string       { return TypeTyping }
func (MessageReaction) Type() string   { return TypeMessageReaction }
func (CallOfferEvent) Type() string    { return TypeCallOffer }
func (CallAnswerEvent) Type() string   { return TypeCallAnswer }
func (IceCandidateEvent) Type() string { return TypeIceCandidate }
func (CallEndEvent) Type() string      { return TypeCallEnd }
func (Success) Type() string           { return TypeSuccess }
func (Error) Type() string             { return TypeError }

// NewError builds an Error envelope from any error, keeping internal causes
// off the wire.
func NewError(err error) Error {
	code := apperr.CodeOf(err)
	if code == apperr.CodeUnknown {
		code = apperr.CodeInternal
	}
	return Error{Code: code, Message: apperr.Message(err)}
}

func (m SendMessage) Validate() error {
	if m.ToUserID == "" {
		return apperr.InvalidArg("to_user_id is required")
	}
	a := m.Attachment
	if m.Content == "" && (a == nil || a.FileData == "") {
		return apperr.InvalidArg("message needs content or a file")
	}
	if a == nil {
		return nil
	}
	if a.FileData != "" {
		if _, err := base64.StdEncoding.DecodeString(a.FileData); err != nil {
			return apperr.InvalidArg("file_data is not valid base64")
		}
	}
	if a.FileType != "" {
		if _, _, err := mime.ParseMediaType(a.FileType); err != nil {
			return apperr.InvalidArg("file_type is not a valid MIME type")
		}
	}
	if a.AudioDuration != nil && *a.AudioDuration < 0 {
		return apperr.InvalidArg("audio_duration must not be negative")
	}
	return nil
}

func (m GetMessageHistory) Validate() error {
	if m.OtherUserID == "" {
		return apperr.InvalidArg("other_user_id is required")
	}
	return nil
}

func (m MarkAsRead) Validate() error { return requireMessageID(m.MessageID) }

func (m RemoveReaction) Validate() error { return requireMessageID(m.MessageID) }

func (m AddReaction) Validate() error {
	if err := requireMessageID(m.MessageID); err != nil {
		return err
	}
	if m.Emoji == "" {
		return apperr.InvalidArg("emoji is required")
	}
	return nil
}

func (m Typing) Validate() error { return requireRecipient(m.ToUserID) }

func (m CallEnd) Validate() error { return requireRecipient(m.ToUserID) }

func (m CallOffer) Validate() error { return requirePayload(m.ToUserID, m.Offer, "offer") }

func (m CallAnswer) Validate() error { return requirePayload(m.ToUserID, m.Answer, "answer") }

func (m IceCandidate) Validate() error {
	return requirePayload(m.ToUserID, m.Candidate, "candidate")
}

func requireMessageID(id string) error {
	if id == "" {
		return apperr.InvalidArg("message_id is required")
	}
	return nil
}

func requireRecipient(id string) error {
	if id == "" {
		return apperr.InvalidArg("to_user_id is required")
	}
	return nil
}

func requirePayload(to string, payload json.RawMessage, field string) error {
	if err := requireRecipient(to); err != nil {
		return err
	}
	if len(payload) == 0 || string(payload) == "null" {
		return apperr.InvalidArg(field + " is required")
	}
	return nil
}
