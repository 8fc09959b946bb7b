package segmentlog

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/saworbit/space/internal/types"
)

const schemaVersion = 1

// sidecarDocument is the JSON shape of space.nvram.segments, per the
// persisted state layout.
type sidecarDocument struct {
	Segments      []types.Segment `json:"segments"`
	NextID        uint64          `json:"next_id"`
	SchemaVersion int             `json:"schema_version"`
}

func loadSidecar(path string) (*sidecarDocument, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &sidecarDocument{SchemaVersion: schemaVersion}, nil
	}
	if err != nil {
		return nil, err
	}
	var doc sidecarDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc.SchemaVersion > schemaVersion {
		return nil, ErrUnknownSchemaMajor
	}
	return &doc, nil
}

// writeSidecar performs an atomic write-to-temp-and-rename, then fsyncs the
// containing directory so the rename itself is durable.
func writeSidecar(path string, doc *sidecarDocument) error {
	doc.SchemaVersion = schemaVersion
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".nvram-segments-*.tmp")
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
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		// Best-effort: some platforms/filesystems don't support fsync on
		// directories. Not treating this as fatal keeps the store usable
		// there; the rename itself already landed.
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
