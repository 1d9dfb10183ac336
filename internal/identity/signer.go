package identity

import (
	"context"
	"fmt"

	"github.com/quantumlife/knowledgebase/internal/codec"
	"github.com/quantumlife/knowledgebase/internal/core"
)

// KeyLookup returns the key bundle for an identity, or nil if this process
// does not hold it.
type KeyLookup func(ctx context.Context, identityID string) (*KeyBundle, error)

// KeySigner signs record payloads with the identity's hybrid key bundle.
type KeySigner struct {
	lookup KeyLookup
}

var _ codec.Signer = (*KeySigner)(nil)

// NewKeySigner creates a signer resolving bundles through lookup.
func NewKeySigner(lookup KeyLookup) *KeySigner {
	return &KeySigner{lookup: lookup}
}

func (s *KeySigner) Sign(ctx context.Context, identityID string, payload []byte) (string, error) {
	kb, err := s.lookup(ctx, identityID)
	if err != nil {
		return "", err
	}
	if kb == nil {
		return "", fmt.Errorf("%w: %s", core.ErrKeysUnavailable, identityID)
	}
	return kb.Sign(payload)
}

// VerifySignature checks a hybrid signature value against a record's signing
// payload using public keys only.
func VerifySignature(record *core.Record, sig core.Signature, kb *KeyBundle) bool {
	if record == nil || kb == nil {
		return false
	}
	payload, err := codec.SigningPayload(record)
	if err != nil {
		return false
	}
	return kb.Verify(payload, sig.Signature)
}
