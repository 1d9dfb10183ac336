package modelprovider

import (
	"context"
	"fmt"
	"strconv"

	"github.com/quantumlife/knowledgebase/internal/codec"
	"github.com/quantumlife/knowledgebase/internal/hashstore"
)

// DigitalSignatureProviderID is the id of the signature provider.
const DigitalSignatureProviderID = "digital-signature"

// DigitalSignatureProvider issues mock signatures over content. A signature
// is "SIG-" plus the hash of signer, content hash and time; it proves
// nothing cryptographically. See identity.KeySigner for real signatures.
type DigitalSignatureProvider struct {
	outputs
	signerName string
}

var _ Provider = (*DigitalSignatureProvider)(nil)

// NewDigitalSignatureProvider creates the provider. signerName defaults to
// "system".
func NewDigitalSignatureProvider(c *codec.Codec, hashes *hashstore.Store, signerName string, opts ...Option) *DigitalSignatureProvider {
	if signerName == "" {
		signerName = "system"
	}
	return &DigitalSignatureProvider{
		outputs:    newOutputs(DigitalSignatureProviderID, c, hashes, opts),
		signerName: signerName,
	}
}

// SignerName returns the name mixed into every signature.
func (p *DigitalSignatureProvider) SignerName() string {
	return p.signerName
}

// ProcessContent hashes content, stores a mock signature in the hash store
// and records {contentHash, signatureHash}.
func (p *DigitalSignatureProvider) ProcessContent(ctx context.Context, content any, contentType, contentID string) (string, error) {
	contentHash, err := hashContent(content)
	if err != nil {
		return "", err
	}

	out := p.newOutput(contentType, contentID, map[string]any{"signer": p.signerName})
	stamp := strconv.FormatInt(out.Timestamp.UnixMilli(), 10)
	digest, err := hashstore.HashValue(p.signerName + ":" + contentHash + ":" + stamp)
	if err != nil {
		return "", err
	}
	signature := "SIG-" + digest

	signatureHash, err := p.hashes.Store(ctx, signature, "signature", map[string]any{
		"signer":      p.signerName,
		"contentHash": contentHash,
	})
	if err != nil {
		return "", err
	}

	out.ContentHash = contentHash
	out.SignatureHash = signatureHash
	if err := p.save(ctx, out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Signature returns the stored signature string of an output, or "" when
// the output or signature is missing.
func (p *DigitalSignatureProvider) Signature(ctx context.Context, outputID string) (string, error) {
	out, err := p.GetOutput(ctx, outputID)
	if err != nil || out == nil {
		return "", err
	}
	pv, err := p.hashes.Retrieve(ctx, out.SignatureHash)
	if err != nil || pv == nil {
		return "", err
	}
	s, _ := pv.Value.(string)
	return s, nil
}

// VerifySignature reports whether content still matches the content hash
// recorded by outputID and the signature entry still exists with a
// non-empty value. This is an integrity check by hash match plus an
// existence check, NOT cryptographic verification. Errors are reserved for
// backend failures; a failed check is false, nil.
func (p *DigitalSignatureProvider) VerifySignature(ctx context.Context, outputID string, content any) (bool, error) {
	out, err := p.GetOutput(ctx, outputID)
	if err != nil {
		return false, err
	}
	if out == nil {
		return false, nil
	}

	contentHash, err := hashContent(content)
	if err != nil {
		return false, nil
	}
	if contentHash != out.ContentHash {
		return false, nil
	}

	signature, err := p.Signature(ctx, outputID)
	if err != nil {
		return false, err
	}
	return signature != "", nil
}

func hashContent(content any) (string, error) {
	text, err := contentText(content)
	if err != nil {
		return "", err
	}
	hash, err := hashstore.HashValue(text)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hash, nil
}
