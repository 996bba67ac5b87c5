package sessions

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Outbound is the sending side of a session. It advances its message index
// with every encryption.
type Outbound struct {
	mu        sync.Mutex
	roomID    id.RoomID
	sessionID id.SessionID
	wrapper   *aead.Wrapper
	index     uint32
}

func NewOutbound(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, key []byte) (*Outbound, error) {
	w, err := newWrapper(ctx, sessionID, key)
	if err != nil {
		return nil, err
	}
	return &Outbound{roomID: roomID, sessionID: sessionID, wrapper: w}, nil
}

// Encrypt seals plaintext at the next message index.
func (o *Outbound) Encrypt(ctx context.Context, plaintext []byte) (uint32, string, error) {
	o.mu.Lock()
	index := o.index
	o.index++
	o.mu.Unlock()

	info, err := o.wrapper.Encrypt(ctx, plaintext, wrapping.WithAad(aad(o.roomID, o.sessionID, index)))
	if err != nil {
		return 0, "", errors.Wrap(err, "seal plaintext")
	}
	if info == nil || len(info.Ciphertext) == 0 {
		return 0, "", errors.New("encrypt returned empty")
	}
	raw := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(info.Ciphertext)), index)
	raw = append(raw, info.Ciphertext...)
	return index, base64.RawStdEncoding.EncodeToString(raw), nil
}

// EncryptContent builds the m.room.encrypted content for an event payload.
func (o *Outbound) EncryptContent(ctx context.Context, evtType event.Type, content any) (json.RawMessage, error) {
	plaintext, err := json.Marshal(map[string]any{
		"type":    evtType.Type,
		"content": content,
		"room_id": o.roomID,
	})
	if err != nil {
		return nil, err
	}
	_, ciphertext, err := o.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"algorithm":  id.AlgorithmMegolmV1,
		"session_id": o.sessionID,
		"ciphertext": ciphertext,
	})
}
