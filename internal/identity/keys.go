package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quantumlife/knowledgebase/internal/core"
)

// KeyBundle holds the signing keys of one identity.
type KeyBundle struct {
	// Classical signing
	Ed25519Public  ed25519.PublicKey
	Ed25519Private ed25519.PrivateKey

	// Post-quantum signing (ML-DSA-65, FIPS 204)
	MLDSAPublic  mldsa65.PublicKey
	MLDSAPrivate mldsa65.PrivateKey
}

// SealedKeyBundle is the encrypted, storable form of a KeyBundle.
type SealedKeyBundle struct {
	// Public keys, base64, not encrypted
	Ed25519Public string `json:"ed25519Public"`
	MLDSAPublic   string `json:"mldsaPublic"`

	// Private keys, encrypted with a passphrase-derived key
	EncryptedPrivateKeys string `json:"encryptedPrivateKeys"`

	Salt      string `json:"salt"`
	Algorithm string `json:"algorithm"`
}

// hybridPrefix tags signature values produced by SignHybrid.
const hybridPrefix = "hybrid:"

// GenerateKeyBundle creates a fresh Ed25519 + ML-DSA-65 key pair set.
func GenerateKeyBundle() (*KeyBundle, error) {
	bundle := &KeyBundle{}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: Ed25519: %w", core.ErrKeyGenerationFault, err)
	}
	bundle.Ed25519Public = pub
	bundle.Ed25519Private = priv

	mldsaPub, mldsaPriv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: ML-DSA: %w", core.ErrKeyGenerationFault, err)
	}
	bundle.MLDSAPublic = *mldsaPub
	bundle.MLDSAPrivate = *mldsaPriv

	return bundle, nil
}

// PublicKey returns the base64 Ed25519 public key used as the identity's
// published key.
func (kb *KeyBundle) PublicKey() string {
	return base64.StdEncoding.EncodeToString(kb.Ed25519Public)
}

// Seal encrypts the private keys with a key derived from passphrase via
// Argon2id and XChaCha20-Poly1305.
func (kb *KeyBundle) Seal(passphrase string) (*SealedKeyBundle, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	privateData, err := packPrivateKeys(kb)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	encrypted := aead.Seal(nonce, nonce, privateData, nil)

	mldsaPubBytes, err := kb.MLDSAPublic.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ML-DSA public key: %w", err)
	}

	return &SealedKeyBundle{
		Ed25519Public:        base64.StdEncoding.EncodeToString(kb.Ed25519Public),
		MLDSAPublic:          base64.StdEncoding.EncodeToString(mldsaPubBytes),
		EncryptedPrivateKeys: base64.StdEncoding.EncodeToString(encrypted),
		Salt:                 base64.StdEncoding.EncodeToString(salt),
		Algorithm:            "argon2id",
	}, nil
}

// Open decrypts the bundle. A wrong passphrase yields core.ErrDecryptionFailed.
func (skb *SealedKeyBundle) Open(passphrase string) (*KeyBundle, error) {
	salt, err := base64.StdEncoding.DecodeString(skb.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	encrypted, err := base64.StdEncoding.DecodeString(skb.EncryptedPrivateKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted keys: %w", err)
	}
	if len(encrypted) < aead.NonceSize() {
		return nil, errors.New("invalid encrypted data")
	}
	nonce := encrypted[:aead.NonceSize()]
	ciphertext := encrypted[aead.NonceSize():]

	privateData, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase?", core.ErrDecryptionFailed)
	}

	bundle, err := unpackPrivateKeys(privateData)
	if err != nil {
		return nil, err
	}

	ed25519Pub, err := base64.StdEncoding.DecodeString(skb.Ed25519Public)
	if err != nil {
		return nil, fmt.Errorf("failed to decode Ed25519 public key: %w", err)
	}
	bundle.Ed25519Public = ed25519Pub

	mldsaPubBytes, err := base64.StdEncoding.DecodeString(skb.MLDSAPublic)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ML-DSA public key: %w", err)
	}
	mldsaPub := new(mldsa65.PublicKey)
	if err := mldsaPub.UnmarshalBinary(mldsaPubBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ML-DSA public key: %w", err)
	}
	bundle.MLDSAPublic = *mldsaPub

	return bundle, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, 32)
}

// packPrivateKeys lays out [ed25519_len:4][ed25519][mldsa_len:4][mldsa].
func packPrivateKeys(kb *KeyBundle) ([]byte, error) {
	ed25519Bytes := []byte(kb.Ed25519Private)
	mldsaBytes, err := kb.MLDSAPrivate.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ML-DSA key: %w", err)
	}

	buf := make([]byte, 8+len(ed25519Bytes)+len(mldsaBytes))
	offset := 0

	writeLen(buf[offset:], len(ed25519Bytes))
	offset += 4
	copy(buf[offset:], ed25519Bytes)
	offset += len(ed25519Bytes)

	writeLen(buf[offset:], len(mldsaBytes))
	offset += 4
	copy(buf[offset:], mldsaBytes)

	return buf, nil
}

func unpackPrivateKeys(data []byte) (*KeyBundle, error) {
	bundle := &KeyBundle{}
	offset := 0

	if offset+4 > len(data) {
		return nil, errors.New("invalid private key data: too short for Ed25519 length")
	}
	ed25519Len := readLen(data[offset:])
	offset += 4
	if offset+ed25519Len > len(data) {
		return nil, errors.New("invalid private key data: too short for Ed25519 key")
	}
	bundle.Ed25519Private = make(ed25519.PrivateKey, ed25519Len)
	copy(bundle.Ed25519Private, data[offset:offset+ed25519Len])
	offset += ed25519Len

	if offset+4 > len(data) {
		return nil, errors.New("invalid private key data: too short for ML-DSA length")
	}
	mldsaLen := readLen(data[offset:])
	offset += 4
	if offset+mldsaLen > len(data) {
		return nil, errors.New("invalid private key data: too short for ML-DSA key")
	}
	mldsaPriv := new(mldsa65.PrivateKey)
	if err := mldsaPriv.UnmarshalBinary(data[offset : offset+mldsaLen]); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ML-DSA key: %w", err)
	}
	bundle.MLDSAPrivate = *mldsaPriv

	return bundle, nil
}

func writeLen(buf []byte, length int) {
	buf[0] = byte(length >> 24)
	buf[1] = byte(length >> 16)
	buf[2] = byte(length >> 8)
	buf[3] = byte(length)
}

func readLen(buf []byte) int {
	return int(buf[0])<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
}

// -----------------------------------------------------------------------------
// Signing
// -----------------------------------------------------------------------------

// SignHybrid signs data with both Ed25519 and ML-DSA-65.
func (kb *KeyBundle) SignHybrid(data []byte) (ed25519Sig, mldsaSig []byte, err error) {
	if len(kb.Ed25519Private) != ed25519.PrivateKeySize {
		return nil, nil, core.ErrKeysUnavailable
	}
	ed25519Sig = ed25519.Sign(kb.Ed25519Private, data)

	mldsaSig = make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(&kb.MLDSAPrivate, data, nil, false, mldsaSig); err != nil {
		return nil, nil, fmt.Errorf("ML-DSA signing failed: %w", err)
	}

	return ed25519Sig, mldsaSig, nil
}

// VerifyHybrid requires both signatures to hold.
func (kb *KeyBundle) VerifyHybrid(data, ed25519Sig, mldsaSig []byte) bool {
	if len(kb.Ed25519Public) != ed25519.PublicKeySize {
		return false
	}
	ed25519Valid := ed25519.Verify(kb.Ed25519Public, data, ed25519Sig)
	mldsaValid := mldsa65.Verify(&kb.MLDSAPublic, data, nil, mldsaSig)
	return ed25519Valid && mldsaValid
}

// EncodeHybridSignature renders both signatures as one signature value:
// "hybrid:" + base64(ed25519) + "." + base64(mldsa).
func EncodeHybridSignature(ed25519Sig, mldsaSig []byte) string {
	return hybridPrefix +
		base64.RawStdEncoding.EncodeToString(ed25519Sig) + "." +
		base64.RawStdEncoding.EncodeToString(mldsaSig)
}

// DecodeHybridSignature is the inverse of EncodeHybridSignature.
func DecodeHybridSignature(value string) (ed25519Sig, mldsaSig []byte, err error) {
	rest, ok := strings.CutPrefix(value, hybridPrefix)
	if !ok {
		return nil, nil, fmt.Errorf("%w: not a hybrid signature", core.ErrInvalidInput)
	}
	edPart, mlPart, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, nil, fmt.Errorf("%w: malformed hybrid signature", core.ErrInvalidInput)
	}
	if ed25519Sig, err = base64.RawStdEncoding.DecodeString(edPart); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", core.ErrInvalidInput, err)
	}
	if mldsaSig, err = base64.RawStdEncoding.DecodeString(mlPart); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", core.ErrInvalidInput, err)
	}
	return ed25519Sig, mldsaSig, nil
}

// Sign signs data and returns the encoded hybrid signature value.
func (kb *KeyBundle) Sign(data []byte) (string, error) {
	edSig, mlSig, err := kb.SignHybrid(data)
	if err != nil {
		return "", err
	}
	return EncodeHybridSignature(edSig, mlSig), nil
}

// Verify checks an encoded hybrid signature value against data.
func (kb *KeyBundle) Verify(data []byte, value string) bool {
	edSig, mlSig, err := DecodeHybridSignature(value)
	if err != nil {
		return false
	}
	return kb.VerifyHybrid(data, edSig, mlSig)
}
