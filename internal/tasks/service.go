// Package tasks runs the user-facing operations of cellflow: initialising
// the data root, computing motion fields for inbox stacks, deriving
// trajectories and rendering videos.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"cellflow/internal/artifact"
	"cellflow/internal/config"
	"cellflow/internal/fsutil"
	"cellflow/internal/metrics"
	"cellflow/internal/motion"
	"cellflow/internal/params"
	"cellflow/internal/render"
	"cellflow/internal/stackio"
	"cellflow/internal/tensor"
	"cellflow/internal/trajectory"
)

// InboxDir is the directory under the root that holds stacks waiting to be processed.
const InboxDir = "inbox"

var (
	// ErrNotImplemented is returned for parameter tuning.
	ErrNotImplemented = errors.New("parameter tuning is not implemented yet")
	// ErrInboxNotClean is returned when the inbox holds anything but TIFF files.
	ErrInboxNotClean = errors.New("inbox contains non-TIFF files")
)

// Mode selects where processing parameters come from.
type Mode string

const (
	ModeStored  Mode = "stored"  // registry, persisting defaults on first use
	ModeDefault Mode = "default" // compiled-in defaults, registry untouched
	ModeTune    Mode = "tune"
)

// StackLoader decodes a stack file.
type StackLoader interface {
	Load(path string) (*tensor.Stack, error)
}

// VideoRenderer encodes a field animation into output.
type VideoRenderer interface {
	Render(ctx context.Context, field *tensor.CombinedField, output string, opts render.Options) error
}

// FlowRequest asks for the motion field of one stack file.
type FlowRequest struct {
	Path      string
	StackType string
	Name      string // defaults to the file stem
	Mode      Mode
}

// TrajectoryRequest derives a trajectory from a stored flow.
type TrajectoryRequest struct {
	Stack   string
	FlowTag string
	Mode    Mode
}

// VideoRequest renders a stored flow or trajectory.
type VideoRequest struct {
	Stack string
	Tag   string
	FPS   int
	Step  int
	Plane int
}

// Result describes one written artifact.
type Result struct {
	Stack     string           `json:"stack"`
	StackType string           `json:"stack_type,omitempty"`
	Kind      string           `json:"kind"`
	Tag       string           `json:"tag"`
	Path      string           `json:"path"`
	Shape     []int            `json:"shape,omitempty"`
	Summaries []motion.Summary `json:"summaries,omitempty"`
}

// Meta flattens r for job records and logs.
func (r *Result) Meta() map[string]any {
	m := map[string]any{
		"stack": r.Stack,
		"kind":  r.Kind,
		"tag":   r.Tag,
		"path":  r.Path,
	}
	if r.StackType != "" {
		m["stack_type"] = r.StackType
	}
	if len(r.Shape) > 0 {
		m["shape"] = r.Shape
	}
	if len(r.Summaries) > 0 {
		m["summaries"] = r.Summaries
	}
	return m
}

// Service wires the registry, engine and artifact store together.
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *params.Registry
	store    *artifact.Store
	engine   *motion.Engine
	loader   StackLoader
	renderer VideoRenderer
}

type options struct {
	metrics  *metrics.Metrics
	mirror   artifact.Mirror
	loader   StackLoader
	renderer VideoRenderer
}

// Option customises a Service.
type Option func(*options)

// WithMetrics reports stage timings and artifact writes to m.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithMirror uploads every artifact to m.
func WithMirror(m artifact.Mirror) Option { return func(o *options) { o.mirror = m } }

// WithLoader replaces the TIFF decoder.
func WithLoader(l StackLoader) Option { return func(o *options) { o.loader = l } }

// WithRenderer replaces the video renderer.
func WithRenderer(r VideoRenderer) Option { return func(o *options) { o.renderer = r } }

// NewService builds a service rooted at cfg.Paths.Root.
func NewService(cfg *config.Config, logger *slog.Logger, opts ...Option) *Service {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.loader == nil {
		o.loader = stackio.NewLoader(cfg.Processing.Channels, logger)
	}
	if o.renderer == nil {
		o.renderer = render.New(cfg.Video, logger)
	}

	registry := params.NewRegistry(cfg.Paths.Root, logger)
	storeOpts := []artifact.Option{}
	if o.metrics != nil {
		storeOpts = append(storeOpts, artifact.WithRecorder(o.metrics))
	}
	if o.mirror != nil {
		storeOpts = append(storeOpts, artifact.WithMirror(o.mirror))
	}

	return &Service{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		store:    artifact.NewStore(cfg.Paths.Root, registry, logger, storeOpts...),
		engine:   motion.NewEngine(cfg.Processing.Workers, logger, o.metrics),
		loader:   o.loader,
		renderer: o.renderer,
	}
}

// Registry exposes the parameter registry.
func (s *Service) Registry() *params.Registry { return s.registry }

// Store exposes the artifact store.
func (s *Service) Store() *artifact.Store { return s.store }

// InboxPath returns root/inbox.
func (s *Service) InboxPath() string { return filepath.Join(s.cfg.Paths.Root, InboxDir) }

// Init creates the root, the inbox and an empty registry. force resets the
// registry to empty; stored stacks are kept.
func (s *Service) Init(force bool) error {
	for _, dir := range []string{s.cfg.Paths.Root, s.InboxPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := s.registry.Init(force); err != nil {
		return err
	}
	s.logger.Info("cellflow root initialised", "root", s.cfg.Paths.Root, "reset_types", force)
	return nil
}

// Inbox lists the TIFF files waiting in the inbox. Any other visible file
// makes the whole inbox unusable.
func (s *Service) Inbox() ([]string, error) {
	tiffs, others, err := fsutil.ListTIFFs(s.InboxPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("inbox %s does not exist, run `cellflow init` first", s.InboxPath())
	}
	if err != nil {
		return nil, err
	}
	if len(others) > 0 {
		names := make([]string, len(others))
		for i, p := range others {
			names[i] = filepath.Base(p)
		}
		return nil, fmt.Errorf("%w: remove %s", ErrInboxNotClean, strings.Join(names, ", "))
	}
	return tiffs, nil
}

func (s *Service) resolve(stackType string, mode Mode) (params.StackTypeConfig, error) {
	switch mode {
	case ModeStored, "":
		return s.registry.Resolve(stackType)
	case ModeDefault:
		return params.Defaults(), nil
	case ModeTune:
		return params.StackTypeConfig{}, ErrNotImplemented
	default:
		return params.StackTypeConfig{}, fmt.Errorf("unknown parameter mode %q", mode)
	}
}

// Flow decodes req.Path, stores its metadata and raw array, computes the
// motion field of the two configured channels and stores it as the next
// flow version of the stack.
func (s *Service) Flow(ctx context.Context, req FlowRequest) (*Result, error) {
	if req.StackType == "" {
		return nil, fmt.Errorf("%w: stack type is required", params.ErrInvalidConfig)
	}
	if !fsutil.IsTIFF(req.Path) {
		return nil, fmt.Errorf("%w: %s is not a TIFF file", tensor.ErrContract, req.Path)
	}
	// Resolving first persists the defaults of a new type even if decoding fails.
	cfg, err := s.resolve(req.StackType, req.Mode)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	st, err := s.loader.Load(req.Path)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("stack loaded", "path", req.Path, "shape", st.Shape(), "duration", time.Since(start))
	return s.flowStack(ctx, req, cfg, st)
}

func (s *Service) flowStack(ctx context.Context, req FlowRequest, cfg params.StackTypeConfig, st *tensor.Stack) (*Result, error) {
	name := req.Name
	if name == "" {
		name = fsutil.Stem(req.Path)
	}
	if err := st.Validate(s.cfg.Processing.Channels); err != nil {
		return nil, err
	}

	source, err := filepath.Abs(req.Path)
	if err != nil {
		source = req.Path
	}
	if err := s.store.PersistMeta(artifact.Meta{Path: source, StackType: req.StackType, Name: name}); err != nil {
		return nil, err
	}
	if _, err := s.store.PersistArray(ctx, name, st); err != nil {
		return nil, err
	}

	var fields [2]*tensor.Field
	for i, idx := range s.cfg.Processing.FlowChannels {
		ch, err := st.Channel(idx)
		if err != nil {
			return nil, err
		}
		f, err := s.engine.ComputeChannel(ctx, ch, cfg)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", idx, err)
		}
		fields[i] = f
	}
	combined, err := s.engine.Combine(fields[0], fields[1])
	if err != nil {
		return nil, err
	}
	want := []int{st.Frames - 1, tensor.CombinedPlanes, st.Height, st.Width, 2}
	if got := combined.Shape(); !slices.Equal(got, want) {
		return nil, fmt.Errorf("%w: motion field of %s has shape %v, want %v", tensor.ErrShapeMismatch, name, got, want)
	}

	path, err := s.store.PersistField(ctx, name, combined)
	if err != nil {
		return nil, err
	}
	return &Result{
		Stack:     name,
		StackType: req.StackType,
		Kind:      artifact.KindFlow,
		Tag:       artifact.Tag(path),
		Path:      path,
		Shape:     combined.Shape(),
		Summaries: []motion.Summary{motion.Summarize(fields[0]), motion.Summarize(fields[1])},
	}, nil
}

// Trajectory derives a trajectory from the flow tagged req.FlowTag and
// stores it under the next letter for that flow.
func (s *Service) Trajectory(ctx context.Context, req TrajectoryRequest) (*Result, error) {
	if !artifact.IsFlowTag(req.FlowTag) {
		return nil, fmt.Errorf("%q is not a flow tag", req.FlowTag)
	}
	meta, err := s.store.LoadMeta(req.Stack)
	if err != nil {
		return nil, err
	}
	if meta.StackType == "" {
		return nil, fmt.Errorf("%w: stack %s has no stack type", params.ErrInvalidConfig, req.Stack)
	}
	cfg, err := s.resolve(meta.StackType, req.Mode)
	if err != nil {
		return nil, err
	}
	field, err := s.store.LoadField(req.Stack, req.FlowTag)
	if err != nil {
		return nil, err
	}
	traj, err := trajectory.Derive(field, cfg.Trajectory)
	if err != nil {
		return nil, err
	}
	path, err := s.store.PersistTrajectory(ctx, req.Stack, req.FlowTag, traj)
	if err != nil {
		return nil, err
	}
	return &Result{
		Stack:     req.Stack,
		StackType: meta.StackType,
		Kind:      artifact.KindTrajectory,
		Tag:       artifact.Tag(path),
		Path:      path,
		Shape:     traj.Shape(),
	}, nil
}

// Video renders the flow or trajectory tagged req.Tag into the next video
// slot of its source family.
func (s *Service) Video(ctx context.Context, req VideoRequest) (*Result, error) {
	field, err := s.store.LoadField(req.Stack, req.Tag)
	if err != nil {
		return nil, err
	}
	out, err := s.store.ReserveVideo(req.Stack, req.Tag[:1])
	if err != nil {
		return nil, err
	}
	opts := render.Options{FPS: req.FPS, Step: req.Step, Plane: req.Plane}
	if err := s.renderer.Render(ctx, field, out, opts); err != nil {
		os.Remove(out)
		return nil, fmt.Errorf("render %s %s: %w", req.Stack, req.Tag, err)
	}
	s.store.Publish(ctx, artifact.KindVideo, out)
	return &Result{
		Stack: req.Stack,
		Kind:  artifact.KindVideo,
		Tag:   strings.TrimPrefix(fsutil.Stem(out), req.Stack+"_"),
		Path:  out,
	}, nil
}
