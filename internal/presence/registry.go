// Package presence tracks which users exist, which are online, and which
// session channel currently receives each user's traffic.
package presence

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-rtc/internal/apperr"
	"github.com/Tyrowin/gochat-rtc/internal/model"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

// MaxNameLength bounds display names, counted in runes.
const MaxNameLength = 64

var (
	ErrInvalidName = apperr.InvalidArg("username must not be empty")
	ErrNameTooLong = apperr.InvalidArg("username is too long")
	ErrUnknownUser = apperr.NotFound("user not found")
)

// Channel is the outbound delivery path of one session. Deliver must not
// block; it reports whether the envelope was queued.
type Channel interface {
	Deliver(env protocol.Envelope) bool
}

// Binding pairs a user id with its current channel.
type Binding struct {
	UserID  string
	Channel Channel
}

// Lease identifies one Bind call. Unbind only succeeds with the lease of
// the binding that is still current.
type Lease uint64

// Announce is run after a binding change for user, before any later change
// for the same user is applied or announced. It must not call Bind or
// Unbind for that user.
type Announce func(user model.User)

type entry struct {
	// announce orders binding changes and their announcements; mu guards
	// the fields below and is never held while announcing.
	announce sync.Mutex
	mu       sync.Mutex
	user     model.User
	channel  Channel
	lease    Lease
}

func (e *entry) snapshot() model.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.user
}

// Registry is the source of truth for presence. Each user has its own lock;
// there is no registry-wide mutex.
type Registry struct {
	users  sync.Map // user id -> *entry
	names  sync.Map // username -> user id
	policy *bluemonday.Policy
	now    func() time.Time
	log    *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		policy: bluemonday.StrictPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
		log:    log,
	}
}

// NormalizeName strips markup and surrounding whitespace from a display name
// and enforces the length bounds.
func (r *Registry) NormalizeName(name string) (string, error) {
	clean := strings.TrimSpace(r.policy.Sanitize(name))
	if clean == "" {
		return "", ErrInvalidName
	}
	if utf8.RuneCountInString(clean) > MaxNameLength {
		return "", ErrNameTooLong
	}
	return clean, nil
}

// Login returns the user for name, creating it on first use. A name keeps
// the id it was first registered with for the lifetime of the process. The
// user only becomes online once a channel is bound.
func (r *Registry) Login(name string) (model.User, error) {
	clean, err := r.NormalizeName(name)
	if err != nil {
		return model.User{}, err
	}

	candidate := uuid.NewString()
	idVal, loaded := r.names.LoadOrStore(clean, candidate)
	id := idVal.(string)

	e := r.entryFor(id, clean)
	e.mu.Lock()
	e.user.LastSeen = r.now()
	u := e.user
	e.mu.Unlock()

	if loaded {
		r.log.Debug("existing user logged in", zap.String("user_id", id), zap.String("username", clean))
	} else {
		r.log.Info("user created", zap.String("user_id", id), zap.String("username", clean))
	}
	return u, nil
}

func (r *Registry) entryFor(id, name string) *entry {
	v, _ := r.users.LoadOrStore(id, &entry{user: model.User{ID: id, Username: name}})
	return v.(*entry)
}

func (r *Registry) load(id string) (*entry, bool) {
	v, ok := r.users.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// Bind installs ch as the delivery channel for userID, superseding any
// previous channel, marks the user online and runs announce with the
// updated record.
func (r *Registry) Bind(userID string, ch Channel, announce Announce) (Lease, error) {
	e, ok := r.load(userID)
	if !ok {
		return 0, ErrUnknownUser
	}
	e.announce.Lock()
	defer e.announce.Unlock()

	e.mu.Lock()
	superseded := e.channel != nil
	e.channel = ch
	e.lease++
	lease := e.lease
	e.user.Online = true
	e.user.LastSeen = r.now()
	u := e.user
	e.mu.Unlock()

	if superseded {
		r.log.Info("binding superseded", zap.String("user_id", userID))
	}
	if announce != nil {
		announce(u)
	}
	return lease, nil
}

// Unbind removes the binding and marks the user offline, but only when
// lease belongs to the current binding. A stale session therefore cannot
// evict the session that superseded it. announce runs only when the
// binding was removed, and any later Bind for the user waits for it.
func (r *Registry) Unbind(userID string, lease Lease, announce Announce) bool {
	e, ok := r.load(userID)
	if !ok {
		return false
	}
	e.announce.Lock()
	defer e.announce.Unlock()

	e.mu.Lock()
	if e.channel == nil || e.lease != lease {
		e.mu.Unlock()
		return false
	}
	e.channel = nil
	e.user.Online = false
	e.user.LastSeen = r.now()
	u := e.user
	e.mu.Unlock()

	if announce != nil {
		announce(u)
	}
	return true
}

// Lookup returns the channel bound to userID.
func (r *Registry) Lookup(userID string) (Channel, bool) {
	e, ok := r.load(userID)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel, e.channel != nil
}

// Bindings lists every current binding.
func (r *Registry) Bindings() []Binding {
	var out []Binding
	r.users.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.channel != nil {
			out = append(out, Binding{UserID: e.user.ID, Channel: e.channel})
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// Known reports whether userID was ever created.
func (r *Registry) Known(userID string) bool {
	_, ok := r.load(userID)
	return ok
}

// User returns a copy of the user record.
func (r *Registry) User(userID string) (model.User, bool) {
	e, ok := r.load(userID)
	if !ok {
		return model.User{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns the online users other than excludeID, ordered by
// username. Pass "" to include everyone.
func (r *Registry) Snapshot(excludeID string) []model.User {
	out := make([]model.User, 0)
	r.users.Range(func(k, v any) bool {
		if k.(string) == excludeID {
			return true
		}
		if u := v.(*entry).snapshot(); u.Online {
			out = append(out, u)
		}
		return true
	})
	sortUsers(out)
	return out
}

// All returns every known user, online or not.
func (r *Registry) All() []model.User {
	out := make([]model.User, 0)
	r.users.Range(func(_, v any) bool {
		out = append(out, v.(*entry).snapshot())
		return true
	})
	sortUsers(out)
	return out
}

// OnlineCount returns the number of online users.
func (r *Registry) OnlineCount() int {
	return len(r.Snapshot(""))
}

func sortUsers(users []model.User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].ID < users[j].ID
	})
}
