// Package crypto resolves the plaintext content of timeline events through
// an ordered chain of decryption services.
package crypto

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
)

// Service decrypts the events it understands and returns ErrNotApplicable
// for the rest.
type Service interface {
	Decrypt(ctx context.Context, evt *event.Event) (*models.RoomContent, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, evt *event.Event) (*models.RoomContent, error)

func (f ServiceFunc) Decrypt(ctx context.Context, evt *event.Event) (*models.RoomContent, error) {
	return f(ctx, evt)
}

// Passthrough serves unencrypted events as they are.
type Passthrough struct{}

func (Passthrough) Decrypt(_ context.Context, evt *event.Event) (*models.RoomContent, error) {
	if evt.Type.Type == event.EventEncrypted.Type {
		return nil, ErrNotApplicable
	}
	return &models.RoomContent{Type: evt.Type.Type, Content: models.RawContent(evt)}, nil
}

// InboundSession is what the pipeline knows about a session-ratchet key
// without touching the key material.
type InboundSession struct {
	RoomID          id.RoomID
	SessionID       id.SessionID
	FirstKnownIndex uint32
}

// SessionStore looks up and waits for inbound sessions.
type SessionStore interface {
	// InboundSession returns (nil, nil) when the session is unknown.
	InboundSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundSession, error)
	// WaitForInboundSession returns once the session is known and, when
	// firstKnownIndexLessThan is set, imported at a strictly lower index.
	WaitForInboundSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, firstKnownIndexLessThan *uint32) error
}

// Cipher decrypts a ciphertext with a known session.
type Cipher interface {
	Decrypt(ctx context.Context, session *InboundSession, ciphertext string) ([]byte, error)
}

// KeyBackup is the server-side key backup collaborator.
type KeyBackup interface {
	// Version is empty when no usable backup exists.
	Version(ctx context.Context) (string, error)
	// LoadSession starts fetching a session from the backup and returns
	// without waiting.
	LoadSession(roomID id.RoomID, sessionID id.SessionID)
}

// RoomKeyRequester asks other devices for a missing session.
type RoomKeyRequester interface {
	RequestRoomKey(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) error
}
