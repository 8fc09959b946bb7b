package crypto

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/xts"

	"github.com/saworbit/space/internal/spaceerr"
	"github.com/saworbit/space/internal/types"
)

const schemeVersion = 1

// Encryptor drives AES-256-XTS encryption keyed by the Keyring, with a
// domain-separated HMAC over ciphertext+metadata and an optional ML-KEM
// hybrid wrap.
type Encryptor struct {
	keyring *Keyring
	kyber   *KyberKeyring // nil unless hybrid_kyber is configured
}

func NewEncryptor(keyring *Keyring, kyber *KyberKeyring) *Encryptor {
	return &Encryptor{keyring: keyring, kyber: kyber}
}

// minPlaintextLen is XTS's floor: one AES block. The spec calls segments
// below this a configuration error; in practice the 4 MiB segment size
// makes this unreachable except on a pathological final chunk.
const minPlaintextLen = aes.BlockSize

// Encrypt produces ciphertext of equal length to plaintext plus the
// EncryptionMeta describing how to reverse it.
func (e *Encryptor) Encrypt(plaintext []byte, contentHash types.ContentHash, policy types.EncryptionPolicy, profile types.CryptoProfile) ([]byte, *types.EncryptionMeta, error) {
	if len(plaintext) < minPlaintextLen {
		return nil, nil, spaceerr.New(spaceerr.InvalidInput, "crypto.Encrypt", fmt.Errorf("segment of %d bytes below cipher minimum of %d", len(plaintext), minPlaintextLen))
	}

	version := e.keyring.CurrentVersion()
	if policy.KeyVersionPin != nil {
		version = *policy.KeyVersionPin
	}
	kp, err := e.keyring.GetKeyPair(version)
	if err != nil {
		return nil, nil, err
	}

	var tweak [16]byte
	copy(tweak[:], contentHash[:16])

	dataKey := kp.DataKey
	meta := &types.EncryptionMeta{
		SchemeVersion: schemeVersion,
		KeyVersion:    version,
		Tweak:         tweak,
	}

	if profile == types.CryptoHybridKyber {
		if e.kyber == nil {
			return nil, nil, spaceerr.New(spaceerr.InvalidInput, "crypto.Encrypt", fmt.Errorf("hybrid_kyber policy set but no kyber keyring configured"))
		}
		ct, shared, kerr := e.kyber.Encapsulate()
		if kerr != nil {
			return nil, nil, kerr
		}
		nonce, nerr := randomNonce(16)
		if nerr != nil {
			return nil, nil, spaceerr.New(spaceerr.DurabilityFailure, "crypto.Encrypt", nerr)
		}
		mixedKey, mixedTweak, merr := mixHybridSecret(dataKey[:], tweak[:], shared, nonce)
		if merr != nil {
			return nil, nil, spaceerr.New(spaceerr.IntegrityFailure, "crypto.Encrypt", merr)
		}
		copy(dataKey[:], mixedKey)
		copy(tweak[:], mixedTweak)
		meta.Tweak = tweak
		meta.KyberWrap = &types.KyberWrap{Ciphertext: ct, Nonce: nonce}
	}

	cipherBlock, err := xts.NewCipher(aes.NewCipher, xtsKeyMaterial(dataKey))
	if err != nil {
		return nil, nil, spaceerr.New(spaceerr.InvalidInput, "crypto.Encrypt", err)
	}
	sectorNum := binary.BigEndian.Uint64(tweak[:8])
	ciphertext := make([]byte, len(plaintext))
	cipherBlock.Encrypt(ciphertext, plaintext, sectorNum)
	meta.CiphertextLength = uint64(len(ciphertext))

	tag, err := macTag(kp.MacKey[:], ciphertext, meta)
	if err != nil {
		return nil, nil, spaceerr.New(spaceerr.IntegrityFailure, "crypto.Encrypt", err)
	}
	meta.MACTag = tag

	return ciphertext, meta, nil
}

// Decrypt verifies the MAC (constant-time) then decrypts. Any MAC mismatch
// returns IntegrityFailure and never falls back to returning raw bytes.
func (e *Encryptor) Decrypt(ciphertext []byte, meta *types.EncryptionMeta) ([]byte, error) {
	kp, err := e.keyring.GetKeyPair(meta.KeyVersion)
	if err != nil {
		return nil, err
	}

	dataKey := kp.DataKey
	tweak := meta.Tweak

	if meta.KyberWrap != nil {
		if e.kyber == nil {
			return nil, spaceerr.New(spaceerr.IntegrityFailure, "crypto.Decrypt", fmt.Errorf("segment requires hybrid kyber but no kyber keyring configured"))
		}
		shared, derr := e.kyber.Decapsulate(meta.KyberWrap.Ciphertext)
		if derr != nil {
			return nil, derr
		}
		mixedKey, mixedTweak, merr := mixHybridSecret(dataKey[:], tweak[:], shared, meta.KyberWrap.Nonce)
		if merr != nil {
			return nil, spaceerr.New(spaceerr.IntegrityFailure, "crypto.Decrypt", merr)
		}
		copy(dataKey[:], mixedKey)
		copy(tweak[:], mixedTweak)
	}

	expectedTag, err := macTag(kp.MacKey[:], ciphertext, meta)
	if err != nil {
		return nil, spaceerr.New(spaceerr.IntegrityFailure, "crypto.Decrypt", err)
	}
	if !hmac.Equal(expectedTag[:], meta.MACTag[:]) {
		return nil, spaceerr.New(spaceerr.IntegrityFailure, "crypto.Decrypt", fmt.Errorf("mac mismatch"))
	}

	cipherBlock, err := xts.NewCipher(aes.NewCipher, xtsKeyMaterial(dataKey))
	if err != nil {
		return nil, spaceerr.New(spaceerr.IntegrityFailure, "crypto.Decrypt", err)
	}
	sectorNum := binary.BigEndian.Uint64(tweak[:8])
	plaintext := make([]byte, len(ciphertext))
	cipherBlock.Decrypt(plaintext, ciphertext, sectorNum)
	return plaintext, nil
}

// xtsKeyMaterial expands the 32-byte data key into the 64-byte key XTS
// requires (two independent AES-256 keys: one for the block cipher, one
// for the tweak cipher), via a single extra SHA-256 expansion round so the
// second half is not a trivial function an attacker could exploit.
func xtsKeyMaterial(dataKey [32]byte) []byte {
	second := sha256.Sum256(append([]byte("space-xts-tweak-key"), dataKey[:]...))
	out := make([]byte, 64)
	copy(out[:32], dataKey[:])
	copy(out[32:], second[:])
	return out
}

// mixHybridSecret folds a KEM-derived shared secret into the data key and
// tweak via HKDF, domain-separated by nonce.
func mixHybridSecret(dataKey, tweak, shared, nonce []byte) (mixedKey, mixedTweak []byte, err error) {
	r := hkdf.New(sha256.New, append(append([]byte(nil), dataKey...), shared...), nonce, []byte("space-hybrid-mix"))
	out := make([]byte, 48) // 32 bytes mixed key + 16 bytes mixed tweak
	if _, rerr := readAllHKDF(r, out); rerr != nil {
		return nil, nil, rerr
	}
	return out[:32], out[32:48], nil
}

func readAllHKDF(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// metaForMAC is the canonical serialization of metadata excluding the MAC
// tag field itself, per the spec's "canonical_serialization(metadata
// without mac field)".
type metaForMAC struct {
	SchemeVersion    uint32           `json:"scheme_version"`
	KeyVersion       uint32           `json:"key_version"`
	Tweak            [16]byte         `json:"tweak"`
	CiphertextLength uint64           `json:"ciphertext_length"`
	KyberWrap        *types.KyberWrap `json:"optional_kyber_wrap,omitempty"`
}

func macTag(macKey []byte, ciphertext []byte, meta *types.EncryptionMeta) ([16]byte, error) {
	var tag [16]byte
	canon := metaForMAC{
		SchemeVersion:    meta.SchemeVersion,
		KeyVersion:       meta.KeyVersion,
		Tweak:            meta.Tweak,
		CiphertextLength: meta.CiphertextLength,
		KyberWrap:        meta.KyberWrap,
	}
	b, err := json.Marshal(canon)
	if err != nil {
		return tag, err
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	mac.Write(b)
	full := mac.Sum(nil)
	copy(tag[:], full[:16])
	return tag, nil
}
