package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantumlife/knowledgebase/internal/core"
	"github.com/quantumlife/knowledgebase/internal/storage"
)

// Vault keeps sealed key bundles in the reserved keys partition, one per
// identity, so private keys outlive the process without ever entering the
// public identity record.
type Vault struct {
	store storage.ResourceStore
}

// NewVault creates a vault over store.
func NewVault(store storage.ResourceStore) *Vault {
	return &Vault{store: store}
}

// Seal encrypts kb with passphrase and stores it for identityID, replacing
// any earlier bundle.
func (v *Vault) Seal(ctx context.Context, identityID string, kb *KeyBundle, passphrase string) error {
	if identityID == "" {
		return fmt.Errorf("%w: identity id", core.ErrMissingRequired)
	}
	if passphrase == "" {
		return fmt.Errorf("%w: passphrase", core.ErrMissingRequired)
	}
	sealed, err := kb.Seal(passphrase)
	if err != nil {
		return err
	}
	record := &core.Record{
		Resource:     sealed,
		ResourceType: core.TypeKeys,
		CreatedBy:    identityID,
	}
	return v.store.Set(ctx, core.TypeKeys, identityID, record)
}

// Unseal loads and decrypts the bundle for identityID.
func (v *Vault) Unseal(ctx context.Context, identityID, passphrase string) (*KeyBundle, error) {
	record, err := v.store.Get(ctx, core.TypeKeys, identityID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: no sealed keys for %s", core.ErrKeysUnavailable, identityID)
	}
	sealed, err := fromResource[SealedKeyBundle](record.Resource)
	if err != nil {
		return nil, fmt.Errorf("decode sealed keys: %w", err)
	}
	kb, err := sealed.Open(passphrase)
	if err != nil {
		if errors.Is(err, core.ErrDecryptionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", core.ErrKeysUnavailable, err)
	}
	return kb, nil
}

// Has reports whether sealed keys exist for identityID.
func (v *Vault) Has(ctx context.Context, identityID string) (bool, error) {
	record, err := v.store.Get(ctx, core.TypeKeys, identityID)
	if err != nil {
		return false, err
	}
	return record != nil, nil
}

// Remove drops the sealed keys of identityID.
func (v *Vault) Remove(ctx context.Context, identityID string) error {
	return v.store.Delete(ctx, core.TypeKeys, identityID)
}
