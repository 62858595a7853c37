// Package cryptobox implements the per-client symmetric key set and
// encrypt/decrypt operations behind private memories (spec §4.2, C2).
//
// A keystore holds one random master secret per client and a lineage of
// derived keys (one "primary" at a time, plus any number of retained
// "emergency" keys). Per-key AEAD secrets are never stored directly — they
// are derived on demand from the master secret via HKDF, keyed on the key
// id, the same way a KMS-backed system would derive data keys from a root
// key rather than persist every generation.
package cryptobox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/engramhq/engram/engram"
)

// KeyKind distinguishes keys usable for ordinary decryption (the primary
// lineage) from keys that require an explicit emergency-access flag.
type KeyKind string

const (
	KindPrimary   KeyKind = "primary"
	KindEmergency KeyKind = "emergency"
)

// KeyInfo is the public, secret-free view of a keystore entry returned by
// ListKeys.
type KeyInfo struct {
	ID        string
	Kind      KeyKind
	CreatedAt time.Time
	Current   bool
}

type keyRecord struct {
	ID        string    `json:"id"`
	Kind      KeyKind   `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// keystoreFile is the on-disk shape of keys/<client_id>.keys (spec §6). It
// is "opaque binary" only in the sense that it carries no plaintext memory
// content and is protected by 0600 file-mode restriction; the format itself
// is a small JSON envelope, matching the teacher's JSON-everywhere
// persistence style.
type keystoreFile struct {
	MasterSecret     string      `json:"master_secret"` // base64
	CurrentPrimaryID string      `json:"current_primary_id"`
	Keys             []keyRecord `json:"keys"`
}

// Box is a client's crypto box: one keystore, safe for concurrent use.
type Box struct {
	mu               sync.RWMutex
	path             string
	masterSecret     []byte
	currentPrimaryID string
	keys             map[string]keyRecord
}

// Open loads the keystore at keysDir/<clientID>.keys, creating a fresh one
// (with a freshly generated primary key) if it doesn't exist yet.
func Open(keysDir, clientID string) (*Box, error) {
	path := filepath.Join(keysDir, clientID+".keys")

	b := &Box{path: path, keys: make(map[string]keyRecord)}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var f keystoreFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, engram.Wrap(engram.KindInternal, "corrupt keystore file", err)
		}
		secret, err := base64.StdEncoding.DecodeString(f.MasterSecret)
		if err != nil {
			return nil, engram.Wrap(engram.KindInternal, "corrupt keystore master secret", err)
		}
		b.masterSecret = secret
		b.currentPrimaryID = f.CurrentPrimaryID
		for _, k := range f.Keys {
			b.keys[k.ID] = k
		}
	case os.IsNotExist(err):
		b.masterSecret = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, b.masterSecret); err != nil {
			return nil, engram.Wrap(engram.KindInternal, "generate master secret", err)
		}
		if _, err := b.generatePrimaryLocked(); err != nil {
			return nil, err
		}
		if err := b.persistLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, engram.Wrap(engram.KindStorageUnavailable, "read keystore file", err)
	}

	return b, nil
}

func (b *Box) persistLocked() error {
	f := keystoreFile{
		MasterSecret:     base64.StdEncoding.EncodeToString(b.masterSecret),
		CurrentPrimaryID: b.currentPrimaryID,
	}
	for _, k := range b.keys {
		f.Keys = append(f.Keys, k)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return engram.Wrap(engram.KindInternal, "marshal keystore", err)
	}
	if err := engram.AtomicWriteFile(b.path, data, 0o600); err != nil {
		return engram.Wrap(engram.KindStorageUnavailable, "persist keystore", err)
	}
	return nil
}

func (b *Box) deriveKey(keyID string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, b.masterSecret, nil, []byte(keyID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, engram.Wrap(engram.KindInternal, "derive key", err)
	}
	return key, nil
}

func (b *Box) generatePrimaryLocked() (string, error) {
	id := engram.NewID()
	b.keys[id] = keyRecord{ID: id, Kind: KindPrimary, CreatedAt: time.Now().UTC()}
	b.currentPrimaryID = id
	return id, nil
}

// GeneratePrimary bootstraps a primary key if one doesn't already exist.
// It is a no-op returning the existing current primary id otherwise; use
// RotatePrimary to mint a new one.
func (b *Box) GeneratePrimary() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentPrimaryID != "" {
		return b.currentPrimaryID, nil
	}
	id, err := b.generatePrimaryLocked()
	if err != nil {
		return "", err
	}
	return id, b.persistLocked()
}

// RotatePrimary mints a new primary key and makes it current. Previously
// encrypted records remain decryptable via their original key_id, since
// rotation never deletes the prior primary key record — it simply stops
// being "current" (spec §4.2).
func (b *Box) RotatePrimary() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, err := b.generatePrimaryLocked()
	if err != nil {
		return "", err
	}
	return id, b.persistLocked()
}

// GenerateEmergency mints a new emergency-only key. Emergency keys are
// never used for encryption, only for decrypt when the caller sets
// allowEmergency.
func (b *Box) GenerateEmergency() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := engram.NewID()
	b.keys[id] = keyRecord{ID: id, Kind: KindEmergency, CreatedAt: time.Now().UTC()}
	return id, b.persistLocked()
}

// Encrypt seals plaintext under the current primary key, returning the key
// id and the opaque ciphertext (nonce prefix + sealed box).
func (b *Box) Encrypt(plaintext []byte) (keyID string, ciphertext []byte, err error) {
	b.mu.RLock()
	primaryID := b.currentPrimaryID
	b.mu.RUnlock()

	if primaryID == "" {
		return "", nil, engram.NewError(engram.KindInternal, "no primary key available")
	}

	key, err := b.deriveKey(primaryID)
	if err != nil {
		return "", nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", nil, engram.Wrap(engram.KindInternal, "init aead", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", nil, engram.Wrap(engram.KindInternal, "generate nonce", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return primaryID, sealed, nil
}

// Decrypt opens ciphertext previously produced by Encrypt under keyID.
// allowEmergency must be true to decrypt with an emergency-kind key;
// primary-lineage keys never require it.
func (b *Box) Decrypt(keyID string, ciphertext []byte, allowEmergency bool) ([]byte, error) {
	b.mu.RLock()
	rec, ok := b.keys[keyID]
	b.mu.RUnlock()

	if !ok {
		return nil, engram.NewError(engram.KindNotFound, fmt.Sprintf("unknown key %q", keyID))
	}
	if rec.Kind == KindEmergency && !allowEmergency {
		return nil, engram.NewError(engram.KindPermissionDenied, "emergency key requires allow_emergency")
	}

	key, err := b.deriveKey(keyID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, engram.Wrap(engram.KindInternal, "init aead", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, engram.NewError(engram.KindInternal, "cipher integrity: ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, engram.Wrap(engram.KindInternal, "cipher integrity check failed", err)
	}
	return plaintext, nil
}

// ListKeys returns metadata for every key in the store, oldest first.
func (b *Box) ListKeys() []KeyInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]KeyInfo, 0, len(b.keys))
	for _, k := range b.keys {
		out = append(out, KeyInfo{
			ID:        k.ID,
			Kind:      k.Kind,
			CreatedAt: k.CreatedAt,
			Current:   k.ID == b.currentPrimaryID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeleteKey removes a key from the store. The current primary cannot be
// deleted — rotate away from it first.
func (b *Box) DeleteKey(keyID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if keyID == b.currentPrimaryID {
		return engram.NewError(engram.KindInvalidArgument, "cannot delete the current primary key")
	}
	if _, ok := b.keys[keyID]; !ok {
		return engram.NewError(engram.KindNotFound, fmt.Sprintf("unknown key %q", keyID))
	}
	delete(b.keys, keyID)
	return b.persistLocked()
}
