// Package types holds the capsule storage core's persisted data model:
// capsule and segment identifiers, the segment and capsule records, and the
// policy shapes that travel with a write.
package types

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// CapsuleId is a 128-bit opaque identifier minted by the coordinator at
// write time. Uniqueness is delegated to uuid.New's generator.
type CapsuleId uuid.UUID

func NewCapsuleId() CapsuleId { return CapsuleId(uuid.New()) }

func (c CapsuleId) String() string { return uuid.UUID(c).String() }

func ParseCapsuleId(s string) (CapsuleId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return CapsuleId{}, err
	}
	return CapsuleId(id), nil
}

func (c CapsuleId) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *CapsuleId) UnmarshalText(text []byte) error {
	id, err := ParseCapsuleId(string(text))
	if err != nil {
		return err
	}
	*c = id
	return nil
}

// SegmentId is a monotonically assigned 64-bit integer allocated by the
// Segment Log at append time. It is never reused, even after deletion.
type SegmentId uint64

// ContentHash is the 32-byte digest of the post-compression, pre-encryption
// bytes of a segment — the dedup key, fixed by the spec's digest domain.
type ContentHash [32]byte

func (h ContentHash) String() string { return hex.EncodeToString(h[:]) }

func (h ContentHash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *ContentHash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != len(h) {
		return ErrBadHashLength
	}
	copy(h[:], b)
	return nil
}

var ErrBadHashLength = errBadHashLength{}

type errBadHashLength struct{}

func (errBadHashLength) Error() string { return "content hash must be 32 bytes" }

// CompressionCodec tags which codec (if any) produced a segment's stored
// bytes.
type CompressionCodec string

const (
	CodecNone CompressionCodec = "none"
	CodecLZ4  CompressionCodec = "lz4"
	CodecZstd CompressionCodec = "zstd"
)

// EncryptionScheme tags the encryption scheme, if any, applied to a segment.
type EncryptionScheme string

const (
	EncryptionDisabled EncryptionScheme = "disabled"
	EncryptionXTSAES256 EncryptionScheme = "xts_aes_256"
)

// CryptoProfile selects between classical and hybrid post-quantum key
// agreement for the Encryptor/Keyring.
type CryptoProfile string

const (
	CryptoClassical    CryptoProfile = "classical"
	CryptoHybridKyber  CryptoProfile = "hybrid_kyber"
)

// CompressionPolicy configures the Compressor's decision rules.
type CompressionPolicy struct {
	Codec                CompressionCodec `json:"codec"`
	Level                int              `json:"level"`
	EntropySkipThreshold float64          `json:"entropy_skip_threshold"`
	MinUsefulRatio       float64          `json:"min_useful_ratio"`
}

// EncryptionPolicy configures the Encryptor/Keyring for a write.
type EncryptionPolicy struct {
	Scheme        EncryptionScheme `json:"scheme"`
	KeyVersionPin *uint32          `json:"key_version_pin,omitempty"`
}

// Policy is attached to every capsule write.
type Policy struct {
	Compression   CompressionPolicy `json:"compression"`
	DedupEnabled  bool              `json:"dedup_enabled"`
	Encryption    EncryptionPolicy  `json:"encryption"`
	CryptoProfile CryptoProfile     `json:"crypto_profile"`
	// ReplicationHints is opaque to the core; carried through verbatim.
	ReplicationHints map[string]string `json:"replication_hints,omitempty"`
}

// DefaultPolicy matches the spec's "default policy" used by the small-text
// end-to-end scenario: zstd compression, dedup on, encryption off.
func DefaultPolicy() Policy {
	return Policy{
		Compression: CompressionPolicy{
			Codec:                CodecZstd,
			Level:                3,
			EntropySkipThreshold: 7.5,
			MinUsefulRatio:       0.95,
		},
		DedupEnabled:  true,
		Encryption:    EncryptionPolicy{Scheme: EncryptionDisabled},
		CryptoProfile: CryptoClassical,
	}
}

// KyberWrap carries the hybrid post-quantum KEM encapsulation alongside a
// segment's encryption metadata.
type KyberWrap struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// EncryptionMeta is persisted alongside an encrypted segment.
type EncryptionMeta struct {
	SchemeVersion    uint32     `json:"scheme_version"`
	KeyVersion       uint32     `json:"key_version"`
	Tweak            [16]byte   `json:"tweak"`
	MACTag           [16]byte   `json:"mac_tag"`
	CiphertextLength uint64     `json:"ciphertext_length"`
	KyberWrap        *KyberWrap `json:"optional_kyber_wrap,omitempty"`
}

// Segment is the persisted record for one physical unit of storage.
type Segment struct {
	ID               SegmentId        `json:"id"`
	Offset           uint64           `json:"offset_in_log"`
	LengthOnDisk     uint64           `json:"length_on_disk"`
	Compressed       bool             `json:"compressed"`
	CompressionCodec CompressionCodec `json:"compression_codec"`
	OriginalLength   uint64           `json:"original_length"`
	ContentHash      *ContentHash     `json:"content_hash,omitempty"`
	Encryption       *EncryptionMeta  `json:"encryption,omitempty"`
	RefCount         uint32           `json:"ref_count"`
}

// Capsule is the persisted, immutable record of a logical byte sequence.
type Capsule struct {
	ID                CapsuleId   `json:"id"`
	PolicySnapshot    Policy      `json:"policy_snapshot"`
	SegmentIDs        []SegmentId `json:"segment_ids"`
	LogicalSize       uint64      `json:"logical_size"`
	DedupedBytesSaved uint64      `json:"deduped_bytes_saved"`
	CreatedAt         time.Time   `json:"creation_timestamp"`
}

// CapsuleSummary is the lightweight projection returned by list_capsules().
type CapsuleSummary struct {
	ID           CapsuleId
	Size         uint64
	SegmentCount int
}

// Stats is the aggregate snapshot returned by stats().
type Stats struct {
	SegmentsTotal  int
	SegmentsUnique int
	DedupRatio     float64
	BytesSaved     uint64
}
