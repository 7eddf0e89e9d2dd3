// Package session owns the live document sessions of the operations engine:
// at most one per document identity, created on first use, synced before it
// is handed out, and torn down on disconnect, eviction or shutdown.
package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidIdentity = errors.New("invalid document identity")

// Identity addresses one collaboration session.
type Identity struct {
	DocumentURL string `json:"documentUrl"`
	CollabURL   string `json:"collabUrl"`
}

// Key is the registry key of the identity.
func (id Identity) Key() string {
	return id.DocumentURL + "\x00" + id.CollabURL
}

// Room is the collaboration room of the document. The whole document URL
// names the room, so documents that share a final path segment stay apart.
func (id Identity) Room() string {
	return id.DocumentURL
}

func (id Identity) Validate() error {
	if strings.TrimSpace(id.DocumentURL) == "" {
		return fmt.Errorf("%w: documentUrl is required", ErrInvalidIdentity)
	}
	if strings.TrimSpace(id.CollabURL) == "" {
		return fmt.Errorf("%w: collabUrl is required", ErrInvalidIdentity)
	}
	u, err := url.Parse(id.CollabURL)
	if err != nil {
		return fmt.Errorf("%w: collabUrl: %v", ErrInvalidIdentity, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%w: collabUrl scheme %q", ErrInvalidIdentity, u.Scheme)
	}
	return nil
}

func (id Identity) String() string {
	return id.DocumentURL + " @ " + id.CollabURL
}
