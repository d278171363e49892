// Package cryptobox provides authenticated symmetric encryption for ledger
// payloads.
//
// Every Seal call draws a fresh random nonce and tags the resulting Envelope
// with the algorithm and key version used, so historical envelopes stay
// decryptable after the active key is rotated. Key material is never created
// here; it is looked up by version from a KeyStore.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm identifies the AEAD cipher that produced an Envelope.
type Algorithm string

const (
	AlgAES256GCM         Algorithm = "AES-256-GCM"
	AlgXChaCha20Poly1305 Algorithm = "XCHACHA20-POLY1305"
)

// KeySize is the required key length in bytes for every supported algorithm.
const KeySize = 32

var (
	// ErrEncryption is returned when a ciphertext could not be produced.
	ErrEncryption = errors.New("cryptobox: encryption failed")

	// ErrAuthentication is returned when an envelope fails tag verification,
	// either because it was tampered with or because the wrong key was used.
	ErrAuthentication = errors.New("cryptobox: authentication failed")

	// ErrKeyNotFound is returned when the requested key version is unknown to
	// the key store. It is not retried: it needs operator action.
	ErrKeyNotFound = errors.New("cryptobox: key version not found")

	// ErrUnsupportedAlgorithm is returned for an unknown Algorithm value.
	ErrUnsupportedAlgorithm = errors.New("cryptobox: unsupported algorithm")
)

// Envelope is the sealed form of a payload.
type Envelope struct {
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"`
	Tag        []byte    `json:"tag"`
	Alg        Algorithm `json:"alg"`
	KeyVersion int       `json:"key_version"`
}

// Box seals and opens envelopes using keys from a KeyStore.
// It is safe for concurrent use.
type Box struct {
	keys KeyStore
	alg  Algorithm
}

// New creates a Box that seals with alg. An empty alg selects AES-256-GCM.
func New(keys KeyStore, alg Algorithm) (*Box, error) {
	if alg == "" {
		alg = AlgAES256GCM
	}
	if _, err := nonceSize(alg); err != nil {
		return nil, err
	}
	return &Box{keys: keys, alg: alg}, nil
}

// Algorithm returns the algorithm new envelopes are sealed with.
func (b *Box) Algorithm() Algorithm { return b.alg }

// Seal encrypts plaintext under the key store's active key version.
// aad is authenticated but not encrypted; the same aad must be passed to Open.
func (b *Box) Seal(plaintext, aad []byte) (*Envelope, error) {
	return b.SealWithVersion(b.keys.ActiveVersion(), plaintext, aad)
}

// SealWithVersion encrypts plaintext under a specific key version.
func (b *Box) SealWithVersion(version int, plaintext, aad []byte) (*Envelope, error) {
	key, err := b.keys.Key(version)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(b.alg, key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrEncryption, err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - aead.Overhead()
	return &Envelope{
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
		Nonce:      nonce,
		Alg:        b.alg,
		KeyVersion: version,
	}, nil
}

// Open decrypts env. It never returns partial or unauthenticated plaintext.
func (b *Box) Open(env *Envelope, aad []byte) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrAuthentication)
	}
	key, err := b.keys.Key(env.KeyVersion)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(env.Alg, key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce length %d", ErrAuthentication, len(env.Nonce))
	}
	if len(env.Tag) != aead.Overhead() {
		return nil, fmt.Errorf("%w: tag length %d", ErrAuthentication, len(env.Tag))
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := aead.Open(nil, env.Nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrEncryption, KeySize, len(key))
	}
	switch alg {
	case AlgAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		return aead, nil
	case AlgXChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

func nonceSize(alg Algorithm) (int, error) {
	switch alg {
	case AlgAES256GCM:
		return 12, nil
	case AlgXChaCha20Poly1305:
		return chacha20poly1305.NonceSizeX, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}
