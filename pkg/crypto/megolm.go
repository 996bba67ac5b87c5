package crypto

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/logger"
	"roomline/pkg/models"
)

const defaultSessionWait = 5 * time.Second

// MegolmOptions wires the optional collaborators of Megolm.
type MegolmOptions struct {
	Backup      KeyBackup
	Requester   RoomKeyRequester
	WaitTimeout time.Duration
	Logger      *zap.Logger
}

// Megolm decrypts m.megolm.v1.aes-sha2 events. A missing session or a
// session imported too late triggers a key request or backup load, a bounded
// wait for a better session and exactly one more attempt.
type Megolm struct {
	sessions  SessionStore
	cipher    Cipher
	backup    KeyBackup
	requester RoomKeyRequester
	wait      time.Duration
	log       *zap.Logger
}

func NewMegolm(sessions SessionStore, cipher Cipher, opts MegolmOptions) *Megolm {
	wait := opts.WaitTimeout
	if wait <= 0 {
		wait = defaultSessionWait
	}
	return &Megolm{
		sessions:  sessions,
		cipher:    cipher,
		backup:    opts.Backup,
		requester: opts.Requester,
		wait:      wait,
		log:       logger.OrNop(opts.Logger),
	}
}

type encryptedContent struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	SessionID  id.SessionID `json:"session_id"`
	Ciphertext string       `json:"ciphertext"`
}

func (m *Megolm) Decrypt(ctx context.Context, evt *event.Event) (*models.RoomContent, error) {
	if evt.Type.Type != event.EventEncrypted.Type {
		return nil, ErrNotApplicable
	}
	var content encryptedContent
	if err := json.Unmarshal(models.RawContent(evt), &content); err != nil {
		return nil, &DecryptionError{Kind: SessionError, Err: errors.Wrap(err, "malformed encrypted content")}
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, ErrNotApplicable
	}
	fail := func(kind Failure, err error) error {
		return &DecryptionError{Kind: kind, Algorithm: content.Algorithm, SessionID: content.SessionID, Err: err}
	}
	if content.SessionID == "" || content.Ciphertext == "" {
		return nil, fail(SessionError, errors.New("missing session id or ciphertext"))
	}

	plaintext, session, err := m.attempt(ctx, evt.RoomID, content)
	if err == nil {
		return m.payload(evt, plaintext, fail)
	}

	var lessThan *uint32
	switch {
	case errors.Is(err, errNoSession):
	case errors.Is(err, ErrUnknownMessageIndex):
		idx := session.FirstKnownIndex
		lessThan = &idx
	default:
		return nil, fail(SessionError, err)
	}

	m.requestKeys(ctx, evt.RoomID, content.SessionID)
	waitCtx, cancel := context.WithTimeout(ctx, m.wait)
	waitErr := m.sessions.WaitForInboundSession(waitCtx, evt.RoomID, content.SessionID, lessThan)
	cancel()
	if ctx.Err() != nil {
		return nil, fail(Timeout, ctx.Err())
	}

	plaintext, _, err = m.attempt(ctx, evt.RoomID, content)
	switch {
	case err == nil:
		return m.payload(evt, plaintext, fail)
	case waitErr != nil:
		m.log.Debug("session_wait_timed_out",
			zap.Stringer("room_id", evt.RoomID),
			zap.String("session_id", string(content.SessionID)))
		return nil, fail(Timeout, errors.CombineErrors(err, waitErr))
	default:
		return nil, fail(SessionError, err)
	}
}

func (m *Megolm) attempt(ctx context.Context, roomID id.RoomID, content encryptedContent) ([]byte, *InboundSession, error) {
	session, err := m.sessions.InboundSession(ctx, roomID, content.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, errNoSession
	}
	plaintext, err := m.cipher.Decrypt(ctx, session, content.Ciphertext)
	return plaintext, session, err
}

func (m *Megolm) requestKeys(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) {
	if m.backup != nil {
		version, err := m.backup.Version(ctx)
		if err != nil {
			m.log.Warn("key_backup_version_failed", zap.Error(err))
		} else if version != "" {
			m.backup.LoadSession(roomID, sessionID)
			return
		}
	}
	if m.requester == nil {
		return
	}
	if err := m.requester.RequestRoomKey(ctx, roomID, sessionID); err != nil {
		m.log.Warn("room_key_request_failed",
			zap.Stringer("room_id", roomID),
			zap.String("session_id", string(sessionID)),
			zap.Error(err))
	}
}

func (m *Megolm) payload(evt *event.Event, plaintext []byte, fail func(Failure, error) error) (*models.RoomContent, error) {
	var p struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
		RoomID  id.RoomID       `json:"room_id"`
	}
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fail(SessionError, errors.Wrap(err, "malformed plaintext"))
	}
	if p.RoomID != "" && p.RoomID != evt.RoomID {
		return nil, fail(SessionError, errors.Newf("plaintext is for room %s", p.RoomID))
	}
	if p.Type == "" || len(p.Content) == 0 || bytes.Equal(bytes.TrimSpace(p.Content), []byte("null")) {
		return nil, fail(NoContent, nil)
	}
	return &models.RoomContent{Type: p.Type, Content: p.Content}, nil
}
