package artifact

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellflow/internal/params"
	"cellflow/internal/tensor"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type savedType struct {
	name string
	cfg  params.StackTypeConfig
}

type stubSaver struct{ saved []savedType }

func (s *stubSaver) Save(name string, cfg params.StackTypeConfig) error {
	s.saved = append(s.saved, savedType{name, cfg})
	return nil
}

type stubMirror struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (m *stubMirror) Upload(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return m.err
}

func combined(pairs, h, w int) *tensor.CombinedField {
	a := tensor.NewField(pairs, h, w)
	for i := range a.Data {
		a.Data[i] = float32(i)
	}
	c, _ := tensor.Combine(a, a)
	return c
}

func TestUniquePathIsIdempotentUntilWritten(t *testing.T) {
	s := NewStore(t.TempDir(), nil, quietLogger())

	p1, err := s.UniquePath("cell", KindFlow, FlowName("cell"))
	require.NoError(t, err)
	p2, err := s.UniquePath("cell", KindFlow, FlowName("cell"))
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, "cell_f0.npy", filepath.Base(p1))
	assert.DirExists(t, filepath.Join(s.Root(), "cell", KindFlow))

	require.NoError(t, os.WriteFile(p1, nil, 0o644))
	p3, err := s.UniquePath("cell", KindFlow, FlowName("cell"))
	require.NoError(t, err)
	assert.NotEqual(t, p1, p3)
	assert.Equal(t, "cell_f1.npy", filepath.Base(p3))
}

func TestCreateNeverReturnsSamePathConcurrently(t *testing.T) {
	s := NewStore(t.TempDir(), nil, quietLogger())
	const n = 16
	paths := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, p, err := s.Create("cell", KindTrajectory, TrajectoryName("cell", "f0"))
			if assert.NoError(t, err) {
				f.Close()
				paths[i] = p
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, p := range paths {
		assert.False(t, seen[p], "duplicate path %s", p)
		seen[p] = true
	}
	tags, err := s.TrajectoryTags("cell")
	require.NoError(t, err)
	require.Len(t, tags, n)
	assert.Equal(t, "tf0a", tags[0])
	assert.Equal(t, "tf0p", tags[n-1])
}

func TestPersistFieldVersions(t *testing.T) {
	mirror := &stubMirror{}
	s := NewStore(t.TempDir(), nil, quietLogger(), WithMirror(mirror))
	ctx := context.Background()

	first, err := s.PersistField(ctx, "cell", combined(2, 3, 4))
	require.NoError(t, err)
	second, err := s.PersistField(ctx, "cell", combined(2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, "cell_f0.npy", filepath.Base(first))
	assert.Equal(t, "cell_f1.npy", filepath.Base(second))

	tags, err := s.FlowTags("cell")
	require.NoError(t, err)
	assert.Equal(t, []string{"f0", "f1"}, tags)

	back, err := s.LoadField("cell", "f1")
	require.NoError(t, err)
	assert.Equal(t, combined(2, 3, 4), back)

	assert.Equal(t, []string{"cell/flow/cell_f0.npy", "cell/flow/cell_f1.npy"}, mirror.keys)
}

func TestFlowTagsOrderNumerically(t *testing.T) {
	s := NewStore(t.TempDir(), nil, quietLogger())
	for i := 0; i < 12; i++ {
		_, err := s.PersistField(context.Background(), "c", combined(1, 1, 1))
		require.NoError(t, err)
	}
	tags, err := s.FlowTags("c")
	require.NoError(t, err)
	assert.Equal(t, "f2", tags[2])
	assert.Equal(t, "f11", tags[11])

	none, err := s.FlowTags("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMirrorFailureKeepsLocalArtifact(t *testing.T) {
	mirror := &stubMirror{err: errors.New("bucket gone")}
	s := NewStore(t.TempDir(), nil, quietLogger(), WithMirror(mirror))

	p, err := s.PersistTrajectory(context.Background(), "cell", "f0", combined(1, 2, 2))
	require.NoError(t, err)
	assert.FileExists(t, p)
	assert.Equal(t, "cell_tf0a.npy", filepath.Base(p))
	assert.Len(t, mirror.keys, 1)
}

func TestPersistFieldRejectsBadShape(t *testing.T) {
	s := NewStore(t.TempDir(), nil, quietLogger())
	bad := &tensor.CombinedField{Pairs: 1, Height: 2, Width: 2, Data: make([]float32, 3)}

	_, err := s.PersistField(context.Background(), "cell", bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "cell", KindFlow))
	require.NoError(t, err)
	assert.Empty(t, entries, "partial file left behind")
}

func TestMetaAndArray(t *testing.T) {
	s := NewStore(t.TempDir(), nil, quietLogger())
	require.NoError(t, s.PersistMeta(Meta{Path: "/data/in.tif", StackType: "neuron", Name: "cell"}))

	meta, err := s.LoadMeta("cell")
	require.NoError(t, err)
	assert.Equal(t, Meta{Path: "/data/in.tif", StackType: "neuron", Name: "cell"}, meta)

	st := tensor.NewStack(2, 3, 2, 2)
	for i := range st.Data {
		st.Data[i] = uint16(i * 100)
	}
	p, err := s.PersistArray(context.Background(), "cell", st)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "cell", "cell.npy"), p)

	// The raw array has a fixed name and is replaced in place.
	_, err = s.PersistArray(context.Background(), "cell", st)
	require.NoError(t, err)
	back, err := s.LoadArray("cell")
	require.NoError(t, err)
	assert.Equal(t, st, back)

	stacks, err := s.Stacks()
	require.NoError(t, err)
	assert.Equal(t, []string{"cell"}, stacks)
}

func TestLegacyMetaKey(t *testing.T) {
	s := NewStore(t.TempDir(), nil, quietLogger())
	dir := filepath.Join(s.Root(), "old")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFile),
		[]byte(`{"path": "x.tif", "stacktype": "legacy", "name": "old"}`), 0o644))

	meta, err := s.LoadMeta("old")
	require.NoError(t, err)
	assert.Equal(t, "legacy", meta.StackType)
}

func TestPersistTypeDelegates(t *testing.T) {
	saver := &stubSaver{}
	s := NewStore(t.TempDir(), saver, quietLogger())
	require.NoError(t, s.PersistType("neuron", params.Defaults()))
	require.Len(t, saver.saved, 1)
	assert.Equal(t, "neuron", saver.saved[0].name)

	assert.True(t, errors.Is(NewStore(t.TempDir(), nil, quietLogger()).PersistType("x", params.Defaults()), ErrStorage))
}

func TestReserveVideo(t *testing.T) {
	s := NewStore(t.TempDir(), nil, quietLogger())
	p0, err := s.ReserveVideo("cell", SourceFlow)
	require.NoError(t, err)
	p1, err := s.ReserveVideo("cell", SourceFlow)
	require.NoError(t, err)
	assert.Equal(t, "cell_vf_0.mp4", filepath.Base(p0))
	assert.Equal(t, "cell_vf_1.mp4", filepath.Base(p1))

	_, err = s.ReserveVideo("cell", "x")
	assert.True(t, errors.Is(err, ErrStorage))
}

func TestInvalidStackNames(t *testing.T) {
	s := NewStore(t.TempDir(), nil, quietLogger())
	for _, name := range []string{"", "..", "a/b"} {
		_, err := s.UniquePath(name, KindFlow, FlowName(name))
		assert.True(t, errors.Is(err, ErrStorage), name)
	}
}

func TestLoadFieldUnknownTag(t *testing.T) {
	s := NewStore(t.TempDir(), nil, quietLogger())
	_, err := s.LoadField("cell", "x0")
	assert.True(t, errors.Is(err, ErrStorage))
	_, err = s.LoadField("cell", "f9")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestTraversalTagsStayInsideRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "data")
	s := NewStore(root, nil, quietLogger())
	ctx := context.Background()

	_, err := s.PersistField(ctx, "other", combined(1, 2, 2))
	require.NoError(t, err)

	for _, tag := range []string{"f0/../../../../escaped", "f0/../../other/flow/other_f0", "tf0a/../x", "f0\\..", "t", "f"} {
		_, _, err := s.TagPath("cell", tag)
		assert.Error(t, err, tag)
		_, err = s.LoadField("cell", tag)
		assert.True(t, errors.Is(err, ErrStorage), tag)
		_, err = s.PersistTrajectory(ctx, "cell", tag, combined(1, 2, 2))
		assert.True(t, errors.Is(err, ErrStorage), tag)
	}

	_, err = s.PersistTrajectory(ctx, "cell", "tf0a", combined(1, 2, 2))
	assert.True(t, errors.Is(err, ErrStorage), "trajectories derive from flows only")

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "data", entries[0].Name())
}

func TestCreateRejectsNestedNames(t *testing.T) {
	s := NewStore(t.TempDir(), nil, quietLogger())
	for _, name := range []string{"../x.npy", "a/b.npy", "..", ""} {
		_, err := s.UniquePath("cell", KindFlow, func(int) string { return name })
		assert.True(t, errors.Is(err, ErrStorage), name)
		_, _, err = s.Create("cell", KindFlow, func(int) string { return name })
		assert.True(t, errors.Is(err, ErrStorage), name)
	}
	_, err := os.Stat(filepath.Join(s.Root(), "cell", "x.npy"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
