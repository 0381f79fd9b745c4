// Package artifact lays out and persists everything derived from a stack:
// metadata, the raw array, motion fields, trajectories and videos.
//
//	root/<stack>/meta.json
//	root/<stack>/<stack>.npy
//	root/<stack>/flow/<stack>_f{i}.npy
//	root/<stack>/trajectory/<stack>_t{tag}{letters}.npy
//	root/<stack>/video/<stack>_v{f|t}_{i}.mp4
//
// Versioned files are allocated with O_CREATE|O_EXCL so a result is never
// overwritten, even by a concurrent writer.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"cellflow/internal/params"
	"cellflow/internal/tensor"
)

// ErrStorage wraps every failure at the storage boundary.
var ErrStorage = errors.New("artifact storage error")

// MetaFile is the per-stack metadata file.
const MetaFile = "meta.json"

// maxIndex bounds the allocation loop.
const maxIndex = 1 << 20

// TypeSaver persists a stack type config. *params.Registry implements it.
type TypeSaver interface {
	Save(stackType string, cfg params.StackTypeConfig) error
}

// Recorder counts written artifacts and mirror uploads.
type Recorder interface {
	ArtifactWritten(kind string)
	MirrorUpload(err error)
}

// Meta describes a stored stack.
type Meta struct {
	Path      string `json:"path"`
	StackType string `json:"stack_type"`
	Name      string `json:"name"`
}

// UnmarshalJSON accepts the legacy "stacktype" key.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var aux struct {
		Path      string  `json:"path"`
		StackType *string `json:"stack_type"`
		Legacy    string  `json:"stacktype"`
		Name      string  `json:"name"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Path, m.Name, m.StackType = aux.Path, aux.Name, aux.Legacy
	if aux.StackType != nil {
		m.StackType = *aux.StackType
	}
	return nil
}

// Store writes artifacts under a root directory.
type Store struct {
	root     string
	logger   *slog.Logger
	types    TypeSaver
	mirror   Mirror
	recorder Recorder
}

// Option configures a Store.
type Option func(*Store)

// WithMirror uploads each written artifact to m.
func WithMirror(m Mirror) Option { return func(s *Store) { s.mirror = m } }

// WithRecorder reports writes to r.
func WithRecorder(r Recorder) Option { return func(s *Store) { s.recorder = r } }

// NewStore returns a store rooted at root. types receives PersistType calls.
func NewStore(root string, types TypeSaver, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{root: root, types: types, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Root returns the store root.
func (s *Store) Root() string { return s.root }

// StackDir returns root/stack.
func (s *Store) StackDir(stack string) string { return filepath.Join(s.root, stack) }

func (s *Store) fail(op, stack string, err error) error {
	s.logger.Error("artifact operation failed", "op", op, "stack", stack, "error", err)
	return fmt.Errorf("%w: %s %s: %w", ErrStorage, op, stack, err)
}

func validStack(stack string) error {
	if stack == "" || stack == "." || stack == ".." || strings.ContainsAny(stack, `/\`) {
		return fmt.Errorf("invalid stack name %q", stack)
	}
	return nil
}

func (s *Store) kindDir(stack, kind string) (string, error) {
	if err := validStack(stack); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, stack, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// join places a single file name in dir.
func join(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsRune(name, '\\') {
		return "", fmt.Errorf("invalid artifact file name %q", name)
	}
	return filepath.Join(dir, name), nil
}

// UniquePath returns the first name(i), i = 0, 1, ..., that does not exist in
// root/stack/kind, creating the directory if needed. It only probes, so two
// calls without an intervening write return the same path.
func (s *Store) UniquePath(stack, kind string, name NameFunc) (string, error) {
	dir, err := s.kindDir(stack, kind)
	if err != nil {
		return "", s.fail("unique path", stack, err)
	}
	for i := 0; i < maxIndex; i++ {
		p, err := join(dir, name(i))
		if err != nil {
			return "", s.fail("unique path", stack, err)
		}
		if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
			return p, nil
		} else if err != nil {
			return "", s.fail("unique path", stack, err)
		}
	}
	return "", s.fail("unique path", stack, fmt.Errorf("no free name in %s", dir))
}

// Create atomically allocates and opens the first free name(i).
func (s *Store) Create(stack, kind string, name NameFunc) (*os.File, string, error) {
	dir, err := s.kindDir(stack, kind)
	if err != nil {
		return nil, "", s.fail("create", stack, err)
	}
	for i := 0; i < maxIndex; i++ {
		p, err := join(dir, name(i))
		if err != nil {
			return nil, "", s.fail("create", stack, err)
		}
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, p, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", s.fail("create", stack, err)
		}
	}
	return nil, "", s.fail("create", stack, fmt.Errorf("no free name in %s", dir))
}

// writeNew allocates a versioned file, fills it with write and mirrors it.
// A failed write leaves no file behind.
func (s *Store) writeNew(ctx context.Context, stack, kind string, name NameFunc, write func(io.Writer) error) (string, error) {
	f, p, err := s.Create(stack, kind, name)
	if err != nil {
		return "", err
	}
	werr := write(f)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(p)
		return "", s.fail("write "+kind, stack, werr)
	}
	s.logger.Info("artifact written", "stack", stack, "kind", kind, "path", p)
	s.published(ctx, kind, p)
	return p, nil
}

// Publish records and mirrors a file produced outside the store, such as an
// encoded video in a reserved path.
func (s *Store) Publish(ctx context.Context, kind, path string) {
	s.published(ctx, kind, path)
}

func (s *Store) published(ctx context.Context, kind, path string) {
	if s.recorder != nil {
		s.recorder.ArtifactWritten(kind)
	}
	if s.mirror == nil {
		return
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	err = s.mirror.Upload(ctx, rel, path)
	if s.recorder != nil {
		s.recorder.MirrorUpload(err)
	}
	if err != nil {
		// The local artifact stays authoritative.
		s.logger.Warn("artifact mirror upload failed", "path", path, "error", err)
		return
	}
	s.logger.Debug("artifact mirrored", "path", path, "key", rel)
}

// PersistType stores cfg for stackType, replacing any previous config.
func (s *Store) PersistType(stackType string, cfg params.StackTypeConfig) error {
	if s.types == nil {
		return s.fail("persist type", stackType, errors.New("no type registry configured"))
	}
	if err := s.types.Save(stackType, cfg); err != nil {
		return s.fail("persist type", stackType, err)
	}
	return nil
}

// PersistMeta writes root/<name>/meta.json.
func (s *Store) PersistMeta(m Meta) error {
	if err := validStack(m.Name); err != nil {
		return s.fail("persist meta", m.Name, err)
	}
	dir := s.StackDir(m.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return s.fail("persist meta", m.Name, err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return s.fail("persist meta", m.Name, err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, MetaFile), append(data, '\n'), 0o644); err != nil {
		return s.fail("persist meta", m.Name, err)
	}
	return nil
}

// PersistArray writes the decoded stack to root/<stack>/<stack>.npy,
// atomically replacing an earlier copy.
func (s *Store) PersistArray(ctx context.Context, stack string, st *tensor.Stack) (string, error) {
	if err := validStack(stack); err != nil {
		return "", s.fail("persist array", stack, err)
	}
	if err := os.MkdirAll(s.StackDir(stack), 0o755); err != nil {
		return "", s.fail("persist array", stack, err)
	}
	p := s.ArrayPath(stack)
	pf, err := renameio.NewPendingFile(p, renameio.WithPermissions(0o644))
	if err != nil {
		return "", s.fail("persist array", stack, err)
	}
	defer pf.Cleanup()
	if err := tensor.WriteNPY(pf, st.Shape(), st.Data); err != nil {
		return "", s.fail("persist array", stack, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", s.fail("persist array", stack, err)
	}
	s.published(ctx, "array", p)
	return p, nil
}

// PersistField writes a combined motion field as the next flow version.
func (s *Store) PersistField(ctx context.Context, stack string, f *tensor.CombinedField) (string, error) {
	return s.writeNew(ctx, stack, KindFlow, FlowName(stack), func(w io.Writer) error {
		return tensor.WriteNPY(w, f.Shape(), f.Data)
	})
}

// PersistTrajectory writes a trajectory derived from the flow tagged srcTag.
func (s *Store) PersistTrajectory(ctx context.Context, stack, srcTag string, f *tensor.CombinedField) (string, error) {
	if !IsFlowTag(srcTag) {
		return "", s.fail("persist trajectory", stack, fmt.Errorf("%q is not a flow tag", srcTag))
	}
	return s.writeNew(ctx, stack, KindTrajectory, TrajectoryName(stack, srcTag), func(w io.Writer) error {
		return tensor.WriteNPY(w, f.Shape(), f.Data)
	})
}

// ReserveVideo allocates an empty video file for the renderer to fill.
// Call Publish once it is written.
func (s *Store) ReserveVideo(stack, src string) (string, error) {
	if src != SourceFlow && src != SourceTrajectory {
		return "", s.fail("reserve video", stack, fmt.Errorf("unknown video source %q", src))
	}
	f, p, err := s.Create(stack, KindVideo, VideoName(stack, src))
	if err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(p)
		return "", s.fail("reserve video", stack, err)
	}
	return p, nil
}

// ArrayPath returns root/<stack>/<stack>.npy.
func (s *Store) ArrayPath(stack string) string {
	return filepath.Join(s.root, stack, stack+".npy")
}

// Stacks lists stack directories that carry a meta.json, sorted by name.
func (s *Store) Stacks() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, s.fail("list stacks", "", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), MetaFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// LoadMeta reads root/<stack>/meta.json.
func (s *Store) LoadMeta(stack string) (Meta, error) {
	if err := validStack(stack); err != nil {
		return Meta{}, s.fail("load meta", stack, err)
	}
	data, err := os.ReadFile(filepath.Join(s.StackDir(stack), MetaFile))
	if err != nil {
		return Meta{}, s.fail("load meta", stack, err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, s.fail("load meta", stack, err)
	}
	return m, nil
}

// FlowTags lists the tags of stored flows (f0, f1, ...) in index order.
func (s *Store) FlowTags(stack string) ([]string, error) {
	return s.tags(stack, KindFlow, regexp.MustCompile(`^`+regexp.QuoteMeta(stack)+`_(f(\d+))\.npy$`), func(m []string) int {
		n, _ := strconv.Atoi(m[2])
		return n
	})
}

// TrajectoryTags lists the tags of stored trajectories (tf0a, ...).
func (s *Store) TrajectoryTags(stack string) ([]string, error) {
	return s.tags(stack, KindTrajectory, regexp.MustCompile(`^`+regexp.QuoteMeta(stack)+`_(t(f\d+)([a-z]+))\.npy$`), func(m []string) int {
		n, _ := ParseLetters(m[3])
		return n
	})
}

func (s *Store) tags(stack, kind string, re *regexp.Regexp, index func([]string) int) ([]string, error) {
	if err := validStack(stack); err != nil {
		return nil, s.fail("list "+kind, stack, err)
	}
	entries, err := os.ReadDir(filepath.Join(s.StackDir(stack), kind))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("list "+kind, stack, err)
	}
	type tagged struct {
		tag   string
		index int
	}
	var found []tagged
	for _, e := range entries {
		if m := re.FindStringSubmatch(e.Name()); m != nil {
			found = append(found, tagged{tag: m[1], index: index(m)})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].index != found[j].index {
			return found[i].index < found[j].index
		}
		return found[i].tag < found[j].tag
	})
	out := make([]string, len(found))
	for i, t := range found {
		out[i] = t.tag
	}
	return out, nil
}

// TagPath maps a tag to its file: f-tags live in flow/, t-tags in trajectory/.
func (s *Store) TagPath(stack, tag string) (string, string, error) {
	if err := validStack(stack); err != nil {
		return "", "", err
	}
	kind, err := TagKind(tag)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(s.StackDir(stack), kind, stack+"_"+tag+".npy"), kind, nil
}

// LoadField reads the combined field stored under tag.
func (s *Store) LoadField(stack, tag string) (*tensor.CombinedField, error) {
	p, _, err := s.TagPath(stack, tag)
	if err != nil {
		return nil, s.fail("load field", stack, err)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, s.fail("load field", stack, err)
	}
	defer f.Close()
	arr, err := tensor.ReadNPY(f)
	if err != nil {
		return nil, s.fail("load field", stack, err)
	}
	field, err := tensor.CombinedFromArray(arr)
	if err != nil {
		return nil, s.fail("load field", stack, err)
	}
	return field, nil
}

// LoadArray reads the raw stack written by PersistArray.
func (s *Store) LoadArray(stack string) (*tensor.Stack, error) {
	if err := validStack(stack); err != nil {
		return nil, s.fail("load array", stack, err)
	}
	f, err := os.Open(s.ArrayPath(stack))
	if err != nil {
		return nil, s.fail("load array", stack, err)
	}
	defer f.Close()
	arr, err := tensor.ReadNPY(f)
	if err != nil {
		return nil, s.fail("load array", stack, err)
	}
	if arr.Descr != tensor.DescrUint16 || len(arr.Shape) != 4 {
		return nil, s.fail("load array", stack, fmt.Errorf("%w: %s%v is not a stack", tensor.ErrContract, arr.Descr, arr.Shape))
	}
	return &tensor.Stack{Frames: arr.Shape[0], Channels: arr.Shape[1], Height: arr.Shape[2], Width: arr.Shape[3], Data: arr.U16}, nil
}
