// Package zookie encodes tuple store revisions as opaque consistency tokens.
//
// Every write returns a token capturing its commit revision. Presenting that
// token on a later query pins evaluation to a snapshot no earlier than the
// write, which closes the "new enemy" window: an ACL change acknowledged to a
// client cannot be invisible to that client's subsequent checks.
package zookie

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/alechenninger/kestrel/store"
)

// ErrInvalidToken indicates a token that this engine did not issue.
var ErrInvalidToken = errors.New("zookie: invalid token")

// Token is an opaque consistency token. Callers must not interpret its
// contents; the encoding is versioned and may change.
type Token string

// payload is the encoded token body. Versioned so the encoding can evolve
// without breaking tokens already held by callers.
type payload struct {
	V int    `json:"v"`
	R uint64 `json:"r"`
}

// FromRevision encodes a revision as a token.
func FromRevision(rev store.Revision) Token {
	b, err := json.Marshal(payload{V: 1, R: uint64(rev)})
	if err != nil {
		// payload has no unmarshalable fields
		panic(err)
	}
	return Token(base64.RawURLEncoding.EncodeToString(b))
}

// Revision decodes the revision a token pins.
func (t Token) Revision() (store.Revision, error) {
	if t == "" {
		return 0, fmt.Errorf("empty token: %w", ErrInvalidToken)
	}
	b, err := base64.RawURLEncoding.DecodeString(string(t))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var p payload
	if err := json.Unmarshal(b, &p); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if p.V != 1 {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidToken, p.V)
	}
	return store.Revision(p.R), nil
}
