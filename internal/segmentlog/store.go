package segmentlog

import (
	"os"
	"sync"

	"github.com/tysonmote/gommap"
)

// store wraps the append-only space.nvram file: sequential writes at the
// tail, O(1) positional reads. Adapted from the teacher's index.go mmap
// strategy, applied here to the variable-length payload region rather than
// a fixed-width offset table.
type store struct {
	mu   sync.RWMutex
	file *os.File
	size uint64

	mMap gommap.MMap // read-only mirror of the file, remapped after growth
}

func openStore(path string) (*store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	s := &store{file: f, size: uint64(fi.Size())}
	if err := s.remap(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// remap re-establishes the read-only mmap mirror after the file has grown.
// Safe to call with a zero-length file (mmap of an empty file is skipped).
func (s *store) remap() error {
	if s.mMap != nil {
		_ = s.mMap.UnsafeUnmap()
		s.mMap = nil
	}
	if s.size == 0 {
		return nil
	}
	m, err := gommap.Map(s.file.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		return err
	}
	s.mMap = m
	return nil
}

// appendAt writes p at the current tail and returns the offset it was
// written at. Callers are responsible for fsync and for calling remap once
// all writes in a transaction are done.
func (s *store) appendAt(p []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.size
	n, err := s.file.WriteAt(p, int64(off))
	if err != nil {
		return 0, err
	}
	s.size += uint64(n)
	return off, nil
}

func (s *store) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		return err
	}
	return s.remap()
}

// truncate discards everything written past tail, used to roll back a
// failed commit.
func (s *store) truncate(tail uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Truncate(int64(tail)); err != nil {
		return err
	}
	s.size = tail
	return s.remap()
}

func (s *store) readAt(off, length uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if off+length > s.size {
		return nil, os.ErrInvalid
	}
	buf := make([]byte, length)
	if s.mMap != nil && off+length <= uint64(len(s.mMap)) {
		copy(buf, s.mMap[off:off+length])
		return buf, nil
	}
	if _, err := s.file.ReadAt(buf, int64(off)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *store) tail() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *store) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mMap != nil {
		_ = s.mMap.UnsafeUnmap()
	}
	return s.file.Close()
}
