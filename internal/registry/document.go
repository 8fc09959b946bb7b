package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/saworbit/space/internal/types"
)

const schemaVersion = 1

var ErrUnknownSchemaMajor = errors.New("registry: unknown schema major version")

// persistedCapsule mirrors types.Capsule for the space.metadata document;
// kept separate so the wire shape (id omitted, since it's the map key) can
// evolve independently of the in-memory type.
type persistedCapsule struct {
	PolicySnapshot    types.Policy      `json:"policy_snapshot"`
	SegmentIDs        []types.SegmentId `json:"segment_ids"`
	LogicalSize       uint64            `json:"logical_size"`
	DedupedBytesSaved uint64            `json:"deduped_bytes_saved"`
	CreatedAt         time.Time         `json:"creation_timestamp"`
}

func fromCapsule(c types.Capsule) persistedCapsule {
	return persistedCapsule{
		PolicySnapshot:    c.PolicySnapshot,
		SegmentIDs:        c.SegmentIDs,
		LogicalSize:       c.LogicalSize,
		DedupedBytesSaved: c.DedupedBytesSaved,
		CreatedAt:         c.CreatedAt,
	}
}

func (pc persistedCapsule) toCapsule(id types.CapsuleId) types.Capsule {
	return types.Capsule{
		ID:                id,
		PolicySnapshot:    pc.PolicySnapshot,
		SegmentIDs:        pc.SegmentIDs,
		LogicalSize:       pc.LogicalSize,
		DedupedBytesSaved: pc.DedupedBytesSaved,
		CreatedAt:         pc.CreatedAt,
	}
}

// document is the JSON shape of space.metadata.
type document struct {
	Capsules      map[string]persistedCapsule `json:"capsules"`
	ContentStore  map[string]uint64           `json:"content_store"`
	SchemaVersion int                         `json:"schema_version"`
}

func loadDocument(path string) (*document, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &document{
			Capsules:      make(map[string]persistedCapsule),
			ContentStore:  make(map[string]uint64),
			SchemaVersion: schemaVersion,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc.SchemaVersion > schemaVersion {
		return nil, ErrUnknownSchemaMajor
	}
	if doc.Capsules == nil {
		doc.Capsules = make(map[string]persistedCapsule)
	}
	if doc.ContentStore == nil {
		doc.ContentStore = make(map[string]uint64)
	}
	return &doc, nil
}

func writeDocument(path string, doc *document) error {
	doc.SchemaVersion = schemaVersion
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
