package inbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmehdipour/event-gateway/internal/store"
)

type cursorBody struct {
	Owner string `json:"o"`
	Time  int64  `json:"t"` // unix microseconds
	ID    string `json:"i"`
}

// CursorCodec signs pagination keys so a cursor only works for the owner it was
// issued to.
type CursorCodec struct {
	secret []byte
}

func NewCursorCodec(secret string) CursorCodec {
	return CursorCodec{secret: []byte(secret)}
}

func (c CursorCodec) Encode(ownerID string, k store.Key) string {
	body, _ := json.Marshal(cursorBody{Owner: ownerID, Time: k.CreatedAt.UnixMicro(), ID: k.ID})
	enc := base64.RawURLEncoding
	return enc.EncodeToString(body) + "." + enc.EncodeToString(c.sign(body))
}

func (c CursorCodec) Decode(ownerID, raw string) (store.Key, error) {
	bad := model.Invalid("cursor", "cursor is malformed or was not issued to this caller")

	b64Body, b64Tag, ok := strings.Cut(raw, ".")
	if !ok {
		return store.Key{}, bad
	}
	enc := base64.RawURLEncoding
	body, err := enc.DecodeString(b64Body)
	if err != nil {
		return store.Key{}, bad
	}
	tag, err := enc.DecodeString(b64Tag)
	if err != nil || !hmac.Equal(tag, c.sign(body)) {
		return store.Key{}, bad
	}

	var cb cursorBody
	if err := json.Unmarshal(body, &cb); err != nil || cb.ID == "" {
		return store.Key{}, bad
	}
	if cb.Owner != ownerID {
		return store.Key{}, bad
	}
	return store.Key{CreatedAt: time.UnixMicro(cb.Time).UTC(), ID: cb.ID}, nil
}

func (c CursorCodec) sign(body []byte) []byte {
	m := hmac.New(sha256.New, c.secret)
	m.Write(body)
	return m.Sum(nil)
}
