package server

import (
	"errors"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-rtc/internal/apperr"
	"github.com/Tyrowin/gochat-rtc/internal/conversation"
	"github.com/Tyrowin/gochat-rtc/internal/model"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
	"github.com/Tyrowin/gochat-rtc/internal/signaling"
)

var (
	errNotLoggedIn     = apperr.Unauthenticated("login required")
	errAlreadyLoggedIn = apperr.FailedPrecondition("already logged in")
	errNotRecipient    = apperr.InvalidArg("only the recipient can mark a message as read")
)

// dispatch routes a decoded envelope to its handler. Handler errors go back
// to this session only. It returns false when the session should close.
func (c *Client) dispatch(env protocol.Envelope) bool {
	if login, ok := env.(*protocol.Login); ok {
		if c.userID != "" {
			c.sendError(errAlreadyLoggedIn)
			return true
		}
		if err := c.handleLogin(login); err != nil {
			c.sessionLog.Info("login rejected", zap.Error(err))
			c.sendError(err)
			return false
		}
		return true
	}

	if c.userID == "" {
		c.sendError(errNotLoggedIn)
		return true
	}

	var err error
	switch m := env.(type) {
	case *protocol.Logout:
		c.Deliver(protocol.Success{Message: "logged out"})
		c.sessionLog.Info("user logged out")
		return false
	case *protocol.GetOnlineUsers:
		c.Deliver(protocol.OnlineUsers{Users: c.hub.presence.Snapshot(c.userID)})
	case *protocol.SendMessage:
		err = c.handleSendMessage(m)
	case *protocol.GetMessageHistory:
		err = c.handleHistory(m)
	case *protocol.MarkAsRead:
		err = c.handleMarkAsRead(m)
	case *protocol.Typing:
		c.hub.relay.SendTo(m.ToUserID, protocol.TypingEvent{FromUserID: c.userID, IsTyping: m.IsTyping})
	case *protocol.AddReaction:
		emoji := m.Emoji
		err = c.handleReaction(m.MessageID, &emoji)
	case *protocol.RemoveReaction:
		err = c.handleReaction(m.MessageID, nil)
	case *protocol.CallOffer:
		err = c.hub.calls.Offer(c.userID, m.ToUserID, m.Offer)
	case *protocol.CallAnswer:
		err = c.hub.calls.Answer(c.userID, m.ToUserID, m.Answer)
	case *protocol.IceCandidate:
		c.dropStale(env, c.hub.calls.Candidate(c.userID, m.ToUserID, m.Candidate))
	case *protocol.CallEnd:
		c.dropStale(env, c.hub.calls.End(c.userID, m.ToUserID))
	default:
		err = protocol.ErrUnknownType
	}

	if err != nil {
		c.sessionLog.Debug("envelope rejected", zap.String("type", env.Type()), zap.Error(err))
		c.sendError(err)
	}
	return true
}

// dropStale logs signaling that arrives outside a live call. The sender is
// not told; late candidates and hangups are normal during teardown.
func (c *Client) dropStale(env protocol.Envelope, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, signaling.ErrNoActiveCall) {
		c.sessionLog.Debug("signaling dropped", zap.String("type", env.Type()), zap.Error(err))
		return
	}
	c.sendError(err)
}

func (c *Client) handleLogin(m *protocol.Login) error {
	c.setState(StateAuthenticating)

	user, err := c.hub.presence.Login(m.Username)
	if err != nil {
		c.setState(StateConnected)
		return err
	}

	// LoginSuccess goes out first; relays may reach c as soon as it is bound.
	user.Online = true
	c.Deliver(protocol.LoginSuccess{User: user})
	lease, err := c.hub.presence.Bind(user.ID, c, c.announceOnline)
	if err != nil {
		c.setState(StateConnected)
		return err
	}
	c.lease = lease
	c.sessionLog.Info("user logged in", zap.String("username", user.Username))
	return nil
}

// announceOnline runs while the registry holds the user's announce lock, so
// an older session's offline broadcast cannot land after it.
func (c *Client) announceOnline(user model.User) {
	c.userID = user.ID
	c.sessionLog = c.log.With(zap.String("user_id", user.ID))
	c.setState(StateActive)

	c.Deliver(protocol.OnlineUsers{Users: c.hub.presence.Snapshot(user.ID)})
	c.hub.relay.BroadcastExcept(user.ID, protocol.UserOnline{User: user})
	c.hub.metrics.SetOnline(c.hub.presence.OnlineCount())
}

func (c *Client) handleSendMessage(m *protocol.SendMessage) error {
	msg, err := c.hub.store.Append(model.ChatMessage{
		FromUserID: c.userID,
		ToUserID:   m.ToUserID,
		Content:    m.Content,
		Attachment: m.Attachment,
	})
	if err != nil {
		return err
	}
	c.hub.metrics.MessageStored()

	env := protocol.NewMessage{Message: msg}
	if msg.ToUserID != c.userID {
		c.hub.relay.SendTo(msg.ToUserID, env)
	}
	c.Deliver(env)
	return nil
}

func (c *Client) handleHistory(m *protocol.GetMessageHistory) error {
	limit, offset := conversation.DefaultPageSize, 0
	if m.Limit != nil {
		limit = *m.Limit
	}
	if m.Offset != nil {
		offset = *m.Offset
	}

	page, err := c.hub.store.Page(c.userID, m.OtherUserID, limit, offset)
	if err != nil {
		return err
	}
	c.Deliver(protocol.MessageHistory{
		OtherUserID: m.OtherUserID,
		Messages:    page.Messages,
		TotalCount:  page.TotalCount,
		HasMore:     page.HasMore,
	})
	return nil
}

func (c *Client) handleMarkAsRead(m *protocol.MarkAsRead) error {
	msg, err := c.hub.store.Get(m.MessageID)
	if err != nil {
		return err
	}
	if msg.ToUserID != c.userID {
		return errNotRecipient
	}

	wasRead, msg, err := c.hub.store.MarkRead(m.MessageID)
	if err != nil {
		return err
	}
	if !wasRead {
		c.hub.relay.SendTo(msg.FromUserID, protocol.MessageRead{MessageID: msg.ID, UserID: c.userID})
	}
	return nil
}

func (c *Client) handleReaction(messageID string, emoji *string) error {
	r, err := c.hub.store.SetReaction(messageID, c.userID, emoji)
	if err != nil {
		return err
	}
	c.hub.relay.SendToEach(protocol.MessageReaction{
		MessageID: messageID,
		UserID:    c.userID,
		Emoji:     r.Emoji,
		Reactions: r.Message.Reactions,
	}, r.Message.FromUserID, r.Message.ToUserID, c.userID)
	return nil
}
