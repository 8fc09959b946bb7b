package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saworbit/space/internal/contentindex"
	"github.com/saworbit/space/internal/coordinator"
	"github.com/saworbit/space/internal/registry"
	"github.com/saworbit/space/internal/segmentlog"
	"github.com/saworbit/space/internal/stage/crypto"
	"github.com/saworbit/space/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir, err := os.MkdirTemp("", "server-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	log, err := segmentlog.Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	ci := contentindex.New(1024, 0.01, nil)
	reg, err := registry.Open(filepath.Join(dir, "space.metadata"), ci, nil)
	require.NoError(t, err)

	kr := crypto.NewKeyring(bytes.Repeat([]byte{0x11}, 32), nil)
	enc := crypto.NewEncryptor(kr, nil)
	coord := coordinator.New(log, reg, ci, enc, nil)

	return &Server{coord: coord}
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.handleHealthz(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp healthzResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
}

func TestHandleStatsReflectsWrittenCapsule(t *testing.T) {
	s := newTestServer(t)
	_, err := s.coord.WriteCapsule(req(t).Context(), bytes.NewReader([]byte("hello")), types.DefaultPolicy())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.handleStats(w, req(t))
	require.Equal(t, http.StatusOK, w.Code)

	var stats types.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.SegmentsUnique)
}

func TestHandleGCReclaimsNothingWhenNoCapsulesDeleted(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.handleGC(w, httptest.NewRequest(http.MethodPost, "/gc", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp gcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 0, resp.SegmentsReclaimed)
}

func req(t *testing.T) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodGet, "/stats", nil)
}
