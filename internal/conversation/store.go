// Package conversation stores chat messages per two-party conversation in
// memory and serves paginated history.
package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Tyrowin/gochat-rtc/internal/apperr"
	"github.com/Tyrowin/gochat-rtc/internal/model"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

var (
	ErrMessageNotFound     = apperr.NotFound("message not found")
	ErrParticipantNotFound = apperr.NotFound("participant not found")
)

// Directory answers whether a user id exists.
type Directory interface {
	Known(userID string) bool
}

type conversation struct {
	mu       sync.RWMutex
	messages []*model.ChatMessage
	byID     map[string]*model.ChatMessage
}

// Store owns every ChatMessage. Writers lock one conversation at a time;
// readers get deep copies.
type Store struct {
	dir           Directory
	conversations sync.Map // conversation key -> *conversation
	index         sync.Map // message id -> *conversation
	now           func() time.Time
}

// NewStore returns an empty store validating participants against dir.
func NewStore(dir Directory) *Store {
	return &Store{
		dir: dir,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Page is one slice of a conversation's history, oldest first.
type Page struct {
	Messages   []model.ChatMessage `json:"messages"`
	TotalCount int                 `json:"total_count"`
	HasMore    bool                `json:"has_more"`
}

// Reaction is the outcome of SetReaction.
type Reaction struct {
	// Emoji is the user's reaction after the change, nil if none.
	Emoji   *string
	Message model.ChatMessage
}

func (s *Store) conversationFor(key string) *conversation {
	if v, ok := s.conversations.Load(key); ok {
		return v.(*conversation)
	}
	v, _ := s.conversations.LoadOrStore(key, &conversation{byID: make(map[string]*model.ChatMessage)})
	return v.(*conversation)
}

func (s *Store) checkParticipants(a, b string) error {
	if s.dir == nil {
		return nil
	}
	for _, id := range []string{a, b} {
		if !s.dir.Known(id) {
			return fmt.Errorf("user %q: %w", id, ErrParticipantNotFound)
		}
	}
	return nil
}

// Append stores msg, assigning its id and timestamp. Timestamps never go
// backwards within a conversation.
func (s *Store) Append(msg model.ChatMessage) (model.ChatMessage, error) {
	if err := s.checkParticipants(msg.FromUserID, msg.ToUserID); err != nil {
		return model.ChatMessage{}, err
	}

	stored := msg.Clone()
	stored.ID = ulid.Make().String()
	stored.Read = false
	stored.Reactions = make(map[string]string)

	c := s.conversationFor(model.ConversationKey(msg.FromUserID, msg.ToUserID))
	c.mu.Lock()
	ts := s.now()
	if n := len(c.messages); n > 0 && ts.Before(c.messages[n-1].Timestamp) {
		ts = c.messages[n-1].Timestamp
	}
	stored.Timestamp = ts
	c.messages = append(c.messages, &stored)
	c.byID[stored.ID] = &stored
	out := stored.Clone()
	c.mu.Unlock()

	s.index.Store(stored.ID, c)
	return out, nil
}

// Page returns up to limit messages between a and b, skipping the offset
// newest ones. Increasing offset walks further into the past.
func (s *Store) Page(a, b string, limit, offset int) (Page, error) {
	if err := s.checkParticipants(a, b); err != nil {
		return Page{}, err
	}
	limit = ClampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	page := Page{Messages: make([]model.ChatMessage, 0)}
	v, ok := s.conversations.Load(model.ConversationKey(a, b))
	if !ok {
		return page, nil
	}
	c := v.(*conversation)

	c.mu.RLock()
	defer c.mu.RUnlock()

	total := len(c.messages)
	page.TotalCount = total
	page.HasMore = offset+limit < total

	end := total - offset
	if end <= 0 {
		return page, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	for _, m := range c.messages[start:end] {
		page.Messages = append(page.Messages, m.Clone())
	}
	return page, nil
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

func (s *Store) locate(id string) (*conversation, error) {
	v, ok := s.index.Load(id)
	if !ok {
		return nil, fmt.Errorf("message %q: %w", id, ErrMessageNotFound)
	}
	return v.(*conversation), nil
}

// Get returns a copy of the message.
func (s *Store) Get(id string) (model.ChatMessage, error) {
	c, err := s.locate(id)
	if err != nil {
		return model.ChatMessage{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id].Clone(), nil
}

// MarkRead sets the read flag and returns the previous value. Marking a
// read message again changes nothing.
func (s *Store) MarkRead(id string) (bool, model.ChatMessage, error) {
	c, err := s.locate(id)
	if err != nil {
		return false, model.ChatMessage{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.byID[id]
	prev := m.Read
	m.Read = true
	return prev, m.Clone(), nil
}

// SetReaction applies userID's reaction to a message. A nil emoji removes
// the reaction, the emoji already set removes it as well, and any other
// emoji replaces it. Any user may react; participation is not checked.
func (s *Store) SetReaction(id, userID string, emoji *string) (Reaction, error) {
	c, err := s.locate(id)
	if err != nil {
		return Reaction{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.byID[id]

	var result *string
	current, has := m.Reactions[userID]
	switch {
	case emoji == nil:
		delete(m.Reactions, userID)
	case has && current == *emoji:
		delete(m.Reactions, userID)
	default:
		m.Reactions[userID] = *emoji
		e := *emoji
		result = &e
	}
	return Reaction{Emoji: result, Message: m.Clone()}, nil
}
