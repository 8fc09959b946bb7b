package crypto

import (
	"crypto/rand"
	"fmt"
	"os"
	"sync"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"go.uber.org/zap"

	"github.com/saworbit/space/internal/spaceerr"
)

// KyberKeyring holds the ML-KEM-768 keypair used for the hybrid
// post-quantum wrap. The keypair is generated on first use and persisted at
// path so subsequent opens of the store can still decapsulate previously
// wrapped segments.
type KyberKeyring struct {
	mu     sync.Mutex
	scheme kem.Scheme
	pub    kem.PublicKey
	priv   kem.PrivateKey
	logger *zap.Logger
}

// OpenKyberKeyring loads the keypair at path, generating and persisting one
// if it does not exist.
func OpenKyberKeyring(path string, logger *zap.Logger) (*KyberKeyring, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	scheme := mlkem768.Scheme()
	kr := &KyberKeyring{scheme: scheme, logger: logger}

	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != scheme.PrivateKeySize() {
			return nil, spaceerr.New(spaceerr.CorruptIndex, "crypto.OpenKyberKeyring", fmt.Errorf("kyber key file has wrong size"))
		}
		priv, uerr := scheme.UnmarshalBinaryPrivateKey(raw)
		if uerr != nil {
			return nil, spaceerr.New(spaceerr.CorruptIndex, "crypto.OpenKyberKeyring", uerr)
		}
		kr.priv = priv
		kr.pub = priv.Public()
		return kr, nil
	}
	if !os.IsNotExist(err) {
		return nil, spaceerr.New(spaceerr.DurabilityFailure, "crypto.OpenKyberKeyring", err)
	}

	pub, priv, gerr := scheme.GenerateKeyPair()
	if gerr != nil {
		return nil, spaceerr.New(spaceerr.DurabilityFailure, "crypto.OpenKyberKeyring", gerr)
	}
	privBytes, merr := priv.MarshalBinary()
	if merr != nil {
		return nil, spaceerr.New(spaceerr.DurabilityFailure, "crypto.OpenKyberKeyring", merr)
	}
	if werr := os.WriteFile(path, privBytes, 0o600); werr != nil {
		return nil, spaceerr.New(spaceerr.DurabilityFailure, "crypto.OpenKyberKeyring", werr)
	}
	kr.priv = priv
	kr.pub = pub
	logger.Info("crypto: generated new ML-KEM-768 keypair", zap.String("path", path))
	return kr, nil
}

// Encapsulate produces a fresh shared secret and its KEM ciphertext. Per
// the scheme's construction, this is randomized on every call — see
// DESIGN.md's note on hybrid mode trading dedup for per-segment forward
// secrecy.
func (k *KyberKeyring) Encapsulate() (ciphertext, sharedSecret []byte, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ct, ss, eerr := k.scheme.Encapsulate(k.pub)
	if eerr != nil {
		return nil, nil, spaceerr.New(spaceerr.IntegrityFailure, "crypto.Encapsulate", eerr)
	}
	return ct, ss, nil
}

// Decapsulate recovers the shared secret from a stored KEM ciphertext.
func (k *KyberKeyring) Decapsulate(ciphertext []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ss, err := k.scheme.Decapsulate(k.priv, ciphertext)
	if err != nil {
		return nil, spaceerr.New(spaceerr.IntegrityFailure, "crypto.Decapsulate", err)
	}
	return ss, nil
}

func randomNonce(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
