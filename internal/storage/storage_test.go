package storage

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "db", "cellflow.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestReopenIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellflow.db")
	s, err := New(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.RecordJobQueued(JobRecord{ID: "j1", JobType: "flow", Status: "pending"}))
	require.NoError(t, s.Close())

	s, err = New(path, nil)
	require.NoError(t, err)
	defer s.Close()
	jobs, err := s.RecentJobs(10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordJobQueued(JobRecord{ID: "j1", JobType: "flow", Status: "pending", Stack: "cell", InputPath: "/in/cell.tif"}))
	require.NoError(t, s.RecordJobStart("j1"))
	require.NoError(t, s.RecordJobResult("j1", "completed", map[string]any{"tag": "f0"}, ""))

	jobs, err := s.RecentJobs(5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, "cell", job.Stack)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.Error)

	meta, err := s.JobMeta("j1")
	require.NoError(t, err)
	assert.Equal(t, "f0", meta["tag"])
}

func TestFailedJobKeepsError(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordJobQueued(JobRecord{ID: "j2", JobType: "trajectory", Status: "pending"}))
	require.NoError(t, s.RecordJobResult("j2", "failed", nil, "no flow f3"))

	jobs, err := s.RecentJobs(5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "no flow f3", jobs[0].Error)
}

func TestArtifactIndex(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordArtifact(ArtifactRecord{Stack: "a", Kind: "flow", Tag: "f0", Path: "/r/a/flow/a_f0.npy", JobID: "j1"}))
	require.NoError(t, s.RecordArtifact(ArtifactRecord{Stack: "b", Kind: "flow", Tag: "f0", Path: "/r/b/flow/b_f0.npy"}))
	require.NoError(t, s.RecordArtifact(ArtifactRecord{Stack: "a", Kind: "trajectory", Tag: "tf0a", Path: "/r/a/trajectory/a_tf0a.npy"}))

	all, err := s.Artifacts("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyA, err := s.Artifacts("a")
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, "f0", onlyA[0].Tag)
	assert.Equal(t, "j1", onlyA[0].JobID)
	assert.Equal(t, "tf0a", onlyA[1].Tag)
}

func TestNilStoreIsSafeForWrites(t *testing.T) {
	var s *Store
	assert.NoError(t, s.RecordJobQueued(JobRecord{ID: "x"}))
	assert.NoError(t, s.RecordArtifact(ArtifactRecord{}))
	_, err := s.RecentJobs(1)
	assert.Error(t, err)
}
