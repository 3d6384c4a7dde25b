// Package model holds the data types shared between the hub components and
// the wire protocol.
package model

import (
	"sort"
	"strings"
	"time"
)

// User is a chat participant as seen by other clients.
type User struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// Attachment describes an optional binary payload sent with a message.
// Fields are flattened into the message object on the wire.
type Attachment struct {
	FileData      string   `json:"file_data,omitempty"`
	FileName      string   `json:"file_name,omitempty"`
	FileType      string   `json:"file_type,omitempty"`
	AudioDuration *float64 `json:"audio_duration,omitempty"`
}

// ChatMessage is a single message between two users.
type ChatMessage struct {
	ID         string    `json:"id"`
	FromUserID string    `json:"from_user_id"`
	ToUserID   string    `json:"to_user_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Read       bool      `json:"read"`
	*Attachment
	// Reactions maps reacting user id to emoji.
	Reactions map[string]string `json:"reactions"`
}

// Clone returns a deep copy safe to hand out of the store.
func (m ChatMessage) Clone() ChatMessage {
	out := m
	if m.Attachment != nil {
		a := *m.Attachment
		if m.Attachment.AudioDuration != nil {
			d := *m.Attachment.AudioDuration
			a.AudioDuration = &d
		}
		out.Attachment = &a
	}
	out.Reactions = make(map[string]string, len(m.Reactions))
	for k, v := range m.Reactions {
		out.Reactions[k] = v
	}
	return out
}

// Participants returns both ends of the message.
func (m ChatMessage) Participants() [2]string {
	return [2]string{m.FromUserID, m.ToUserID}
}

// ConversationKey identifies the message history of two users. It is the
// same regardless of argument order.
func ConversationKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}
