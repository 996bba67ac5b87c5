// Package sessions keeps inbound session keys in memory and decrypts
// session-ratchet ciphertexts with them.
//
// Ciphertexts are unpadded base64 of a 4 byte big-endian message index
// followed by an AEAD blob. The index and the session identity are bound as
// additional data, so a blob cannot be replayed under another index.
package sessions

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/crypto"
	"roomline/pkg/logger"
)

const keySize = 32

var (
	mlock   = lockMemory
	munlock = unlockMemory
)

type sessionKey struct {
	roomID    id.RoomID
	sessionID id.SessionID
}

type entry struct {
	session crypto.InboundSession
	key     []byte
	wrapper *aead.Wrapper
}

// Store implements crypto.SessionStore and crypto.Cipher.
type Store struct {
	mu       sync.Mutex
	sessions map[sessionKey]*entry
	waiters  map[sessionKey][]chan struct{}
	log      *zap.Logger
}

var (
	_ crypto.SessionStore = (*Store)(nil)
	_ crypto.Cipher       = (*Store)(nil)
)

func New(log *zap.Logger) *Store {
	return &Store{
		sessions: make(map[sessionKey]*entry),
		waiters:  make(map[sessionKey][]chan struct{}),
		log:      logger.OrNop(log),
	}
}

func newWrapper(ctx context.Context, sessionID id.SessionID, key []byte) (*aead.Wrapper, error) {
	if len(key) != keySize {
		return nil, errors.Newf("session key must be %d bytes, got %d", keySize, len(key))
	}
	w := aead.NewWrapper()
	cfg := map[string]string{"key": base64.StdEncoding.EncodeToString(key), "key_id": string(sessionID)}
	if _, err := w.SetConfig(ctx, wrapping.WithConfigMap(cfg)); err != nil {
		return nil, errors.Wrap(err, "wrapper setconfig failed")
	}
	return w, nil
}

// Add imports a session at firstKnownIndex. A session already known at an
// equal or lower index is kept.
func (s *Store) Add(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, key []byte, firstKnownIndex uint32) error {
	sk := sessionKey{roomID, sessionID}
	s.mu.Lock()
	if cur, ok := s.sessions[sk]; ok && cur.session.FirstKnownIndex <= firstKnownIndex {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	keyCopy := append([]byte(nil), key...)
	if err := mlock(keyCopy); err != nil {
		s.log.Warn("session_key_mlock_failed", zap.Error(err))
	}
	w, err := newWrapper(ctx, sessionID, keyCopy)
	if err != nil {
		release(keyCopy)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sk]; ok {
		if cur.session.FirstKnownIndex <= firstKnownIndex {
			release(keyCopy)
			return nil
		}
		release(cur.key)
	}
	s.sessions[sk] = &entry{
		session: crypto.InboundSession{RoomID: roomID, SessionID: sessionID, FirstKnownIndex: firstKnownIndex},
		key:     keyCopy,
		wrapper: w,
	}
	for _, ch := range s.waiters[sk] {
		close(ch)
	}
	delete(s.waiters, sk)
	s.log.Debug("inbound_session_added",
		zap.Stringer("room_id", roomID),
		zap.String("session_id", string(sessionID)),
		zap.Uint32("first_known_index", firstKnownIndex))
	return nil
}

func (s *Store) InboundSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID) (*crypto.InboundSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionKey{roomID, sessionID}]
	if !ok {
		return nil, nil
	}
	session := e.session
	return &session, nil
}

func (s *Store) WaitForInboundSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, firstKnownIndexLessThan *uint32) error {
	sk := sessionKey{roomID, sessionID}
	for {
		s.mu.Lock()
		if e, ok := s.sessions[sk]; ok {
			if firstKnownIndexLessThan == nil || e.session.FirstKnownIndex < *firstKnownIndexLessThan {
				s.mu.Unlock()
				return nil
			}
		}
		ch := make(chan struct{})
		s.waiters[sk] = append(s.waiters[sk], ch)
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			s.dropWaiter(sk, ch)
			return ctx.Err()
		}
	}
}

func (s *Store) dropWaiter(sk sessionKey, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.waiters[sk]
	for i, w := range waiters {
		if w == ch {
			s.waiters[sk] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.waiters[sk]) == 0 {
		delete(s.waiters, sk)
	}
}

func (s *Store) Decrypt(ctx context.Context, session *crypto.InboundSession, ciphertext string) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < 4 {
		return nil, errors.New("malformed ciphertext")
	}
	index := binary.BigEndian.Uint32(raw[:4])

	s.mu.Lock()
	e, ok := s.sessions[sessionKey{session.RoomID, session.SessionID}]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Newf("unknown session %s", session.SessionID)
	}
	if index < e.session.FirstKnownIndex {
		return nil, errors.Wrapf(crypto.ErrUnknownMessageIndex, "index %d below %d", index, e.session.FirstKnownIndex)
	}
	keyID, _ := e.wrapper.KeyId(ctx)
	info := &wrapping.BlobInfo{Ciphertext: raw[4:], KeyInfo: &wrapping.KeyInfo{KeyId: keyID}}
	plaintext, err := e.wrapper.Decrypt(ctx, info, wrapping.WithAad(aad(session.RoomID, session.SessionID, index)))
	if err != nil {
		return nil, errors.Wrap(err, "open ciphertext")
	}
	return plaintext, nil
}

// Close wipes all key material.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sk, e := range s.sessions {
		release(e.key)
		delete(s.sessions, sk)
	}
}

func release(key []byte) {
	_ = munlock(key)
	for i := range key {
		key[i] = 0
	}
}

func aad(roomID id.RoomID, sessionID id.SessionID, index uint32) []byte {
	b := make([]byte, 0, len(roomID)+len(sessionID)+6)
	b = append(b, roomID...)
	b = append(b, 0)
	b = append(b, sessionID...)
	b = append(b, 0)
	return binary.BigEndian.AppendUint32(b, index)
}

// ExportedSession is one entry of a key export file.
type ExportedSession struct {
	RoomID          id.RoomID    `json:"room_id"`
	SessionID       id.SessionID `json:"session_id"`
	SessionKey      string       `json:"session_key"`
	FirstKnownIndex uint32       `json:"first_known_index"`
}

// Import adds every session of a JSON key export and reports how many were read.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	var exported []ExportedSession
	if err := json.NewDecoder(r).Decode(&exported); err != nil {
		return 0, errors.Wrap(err, "decode key export")
	}
	for i, e := range exported {
		key, err := base64.StdEncoding.DecodeString(e.SessionKey)
		if err != nil {
			return i, errors.Wrapf(err, "session %s: bad key", e.SessionID)
		}
		if err := s.Add(ctx, e.RoomID, e.SessionID, key, e.FirstKnownIndex); err != nil {
			return i, errors.Wrapf(err, "session %s", e.SessionID)
		}
	}
	return len(exported), nil
}
