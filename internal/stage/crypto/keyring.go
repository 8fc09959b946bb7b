// Package crypto implements the Encryptor and Keyring: deterministic
// whole-segment encryption (AES-256-XTS) with a domain-separated keyed MAC,
// and an optional hybrid post-quantum (ML-KEM) wrap.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/saworbit/space/internal/spaceerr"
)

// KeyPair is the pair of derived keys for one key version: a 32-byte XTS
// data key (expanded internally to the 64-byte XTS key material) and a
// 32-byte MAC key, both domain-separated derivations of the master secret.
type KeyPair struct {
	Version uint32
	DataKey [32]byte
	MacKey  [32]byte
}

func (kp *KeyPair) zeroize() {
	for i := range kp.DataKey {
		kp.DataKey[i] = 0
	}
	for i := range kp.MacKey {
		kp.MacKey[i] = 0
	}
}

// Keyring derives and caches KeyPairs from a master secret via HKDF,
// version-binding the derivation context. Key material is never copied out
// of the Keyring; callers receive a *KeyPair but must treat it as
// short-lived and never log or persist it.
type Keyring struct {
	mu             sync.Mutex
	master         []byte
	cache          map[uint32]*KeyPair
	currentVersion uint32
	logger         *zap.Logger
}

// NewKeyring builds a Keyring over masterSecret (e.g. the 32 raw bytes
// decoded from SPACE_MASTER_KEY). The keyring owns a copy of masterSecret.
func NewKeyring(masterSecret []byte, logger *zap.Logger) *Keyring {
	if logger == nil {
		logger = zap.NewNop()
	}
	owned := append([]byte(nil), masterSecret...)
	return &Keyring{
		master:         owned,
		cache:          make(map[uint32]*KeyPair),
		currentVersion: 1,
		logger:         logger,
	}
}

func (k *Keyring) CurrentVersion() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.currentVersion
}

// GetKeyPair derives (and caches) the pair for version via HKDF over the
// master secret with a version-binding info string. version must be a
// version Rotate has actually reached (1..currentVersion); anything else —
// including a policy's pinned version that was never rotated to — is
// KeyVersionNotFound, regardless of whether the master secret is
// configured.
func (k *Keyring) GetKeyPair(version uint32) (*KeyPair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if version == 0 || version > k.currentVersion {
		return nil, spaceerr.New(spaceerr.KeyVersionNotFound, "crypto.GetKeyPair", fmt.Errorf("key version %d has not been reached (current %d)", version, k.currentVersion))
	}
	if kp, ok := k.cache[version]; ok {
		return kp, nil
	}
	if len(k.master) == 0 {
		return nil, spaceerr.New(spaceerr.KeyVersionNotFound, "crypto.GetKeyPair", fmt.Errorf("no master key configured"))
	}
	kp, err := k.derive(version)
	if err != nil {
		return nil, err
	}
	k.cache[version] = kp
	return kp, nil
}

func (k *Keyring) derive(version uint32) (*KeyPair, error) {
	dataInfo := versionInfo("space-data-key", version)
	macInfo := versionInfo("space-mac-key", version)

	dataKey, err := hkdfExpand(k.master, dataInfo, 32)
	if err != nil {
		return nil, spaceerr.New(spaceerr.KeyVersionNotFound, "crypto.derive", err)
	}
	macKey, err := hkdfExpand(k.master, macInfo, 32)
	if err != nil {
		return nil, spaceerr.New(spaceerr.KeyVersionNotFound, "crypto.derive", err)
	}
	kp := &KeyPair{Version: version}
	copy(kp.DataKey[:], dataKey)
	copy(kp.MacKey[:], macKey)
	return kp, nil
}

// Rotate advances the current key version and returns it. Old versions
// remain resolvable via GetKeyPair so already-encrypted segments stay
// readable.
func (k *Keyring) Rotate() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.currentVersion++
	k.logger.Info("keyring: rotated", zap.Uint32("new_version", k.currentVersion))
	return k.currentVersion
}

// Close zeroizes all cached key material.
func (k *Keyring) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, kp := range k.cache {
		kp.zeroize()
	}
	k.cache = make(map[uint32]*KeyPair)
	for i := range k.master {
		k.master[i] = 0
	}
}

func versionInfo(purpose string, version uint32) []byte {
	info := make([]byte, len(purpose)+4)
	copy(info, purpose)
	binary.BigEndian.PutUint32(info[len(purpose):], version)
	return info
}

func hkdfExpand(secret, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
