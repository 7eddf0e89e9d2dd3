package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"docagent/api/internal/awareness"
	"docagent/api/internal/binding"
	"docagent/api/internal/crdt"
	"docagent/api/internal/provider"
)

var ErrClosed = errors.New("session closed")

// State is the lifecycle state of a session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSynced       State = "synced"
)

// Close reasons.
const (
	reasonDisconnect = "disconnect"
	reasonEvicted    = "evicted"
	reasonIdle       = "idle"
	reasonShutdown   = "shutdown"
)

// Session is one live connection to a document. The mutex serializes local
// operations with remote updates, which the provider applies under the same
// lock.
type Session struct {
	ID          string
	Identity    Identity
	ConnectedAt time.Time

	mu       sync.Mutex
	state    State
	doc      *crdt.Doc
	aw       *awareness.Awareness
	provider *provider.Provider
	binding  *binding.Binding
	logger   *zap.Logger

	lastUsed  atomic.Int64
	reason    atomic.Value
	closeOnce sync.Once
}

// Info describes a session for listings.
type Info struct {
	ID          string          `json:"id"`
	DocumentURL string          `json:"documentUrl"`
	CollabURL   string          `json:"collabUrl"`
	Room        string          `json:"room"`
	State       State           `json:"state"`
	Transport   provider.Status `json:"transport"`
	ClientID    uint64          `json:"clientId"`
	Peers       int             `json:"peers"`
	ConnectedAt time.Time       `json:"connectedAt"`
	LastUsedAt  time.Time       `json:"lastUsedAt"`
}

// Do runs fn with exclusive access to the session's structural view.
func (s *Session) Do(fn func(b *binding.Binding) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSynced {
		return ErrClosed
	}
	s.touch()
	return fn(s.binding)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() Info {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	info := Info{
		ID:          s.ID,
		DocumentURL: s.Identity.DocumentURL,
		CollabURL:   s.Identity.CollabURL,
		Room:        s.Identity.Room(),
		State:       state,
		ConnectedAt: s.ConnectedAt,
		LastUsedAt:  s.LastUsed(),
	}
	if s.provider != nil {
		info.Transport = s.provider.Status()
	}
	if s.aw != nil {
		info.ClientID = s.aw.ClientID()
		info.Peers = len(s.aw.States()) - 1
		if info.Peers < 0 {
			info.Peers = 0
		}
	}
	return info
}

func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

func (s *Session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

func (s *Session) setReason(reason string) {
	s.reason.CompareAndSwap(nil, reason)
}

func (s *Session) closeReason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return reasonEvicted
}

// close retracts the cursor and the agent's presence, then flushes and
// closes the transport. It must not be called with s.mu held.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.binding != nil {
			s.binding.Destroy()
		}
		if s.aw != nil {
			s.aw.Destroy()
		}
		s.state = StateDisconnected
		s.mu.Unlock()
		if s.provider != nil {
			s.provider.Destroy()
		}
		s.logger.Info("session closed", zap.String("reason", s.closeReason()))
	})
}
