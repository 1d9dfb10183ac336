package codec

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Signer produces the signature value stored in a record's signature block.
type Signer interface {
	Sign(ctx context.Context, identityID string, payload []byte) (string, error)
}

// MockSigner is a placeholder. Its output is a digest of the signer id and
// payload; anybody can compute it, so it proves nothing.
type MockSigner struct{}

func (MockSigner) Sign(_ context.Context, identityID string, payload []byte) (string, error) {
	h := blake3.New()
	h.Write([]byte(identityID))
	h.Write([]byte{':'})
	h.Write(payload)
	return fmt.Sprintf("MOCK-SIG-%s", hex.EncodeToString(h.Sum(nil)[:16])), nil
}
