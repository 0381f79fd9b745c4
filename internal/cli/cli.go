package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"cellflow/internal/config"
	"cellflow/internal/metrics"
	"cellflow/internal/params"
	"cellflow/internal/pipeline"
	"cellflow/internal/server"
	"cellflow/internal/storage"
	"cellflow/internal/tasks"

	"github.com/google/uuid"
)

type pipelineClient interface {
	server.JobQueue
	Enqueue(ctx context.Context, job pipeline.Job) error
}

// workspace is the data root: inbox, init and watcher.
type workspace interface {
	Init(force bool) error
	Inbox() ([]string, error)
	InboxPath() string
}

type typeRegistry interface {
	Types() ([]string, error)
	Lookup(stackType string) (params.StackTypeConfig, bool, error)
}

type serverFunc func(ctx context.Context, cfg config.Server, r *Root) error

func defaultServe(ctx context.Context, cfg config.Server, r *Root) error {
	return server.NewServer(cfg, r.store, r.pipeline, r.catalog, r.metrics, r.log).Start(ctx)
}

// Root holds the dependencies shared by all commands.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	ws       workspace
	catalog  server.Catalog
	types    typeRegistry
	metrics  *metrics.Metrics
	serveFn  serverFunc

	watchSettle time.Duration // 0 uses tasks.DefaultSettle
}

// NewRoot wires the CLI to a running pipeline and service.
func NewRoot(pl *pipeline.Pipeline, svc *tasks.Service, cfg *config.Config, logger *slog.Logger, store *storage.Store, m *metrics.Metrics) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		ws:       svc,
		catalog:  svc.Store(),
		types:    svc.Registry(),
		metrics:  m,
		serveFn:  defaultServe,
	}
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func modeFromFlags(useDefault, tune bool) (tasks.Mode, error) {
	switch {
	case useDefault && tune:
		return "", errors.New("--default and --tune are mutually exclusive")
	case tune:
		return tasks.ModeTune, nil
	case useDefault:
		return tasks.ModeDefault, nil
	default:
		return tasks.ModeStored, nil
	}
}

func (r *Root) cmdInit(out io.Writer, force bool) error {
	if err := r.ws.Init(force); err != nil {
		return err
	}
	fmt.Fprintf(out, "Initialised %s\n", r.cfg.Paths.Root)
	fmt.Fprintf(out, "Drop TIFF stacks into %s and run `cellflow flow --type <type>`.\n", r.ws.InboxPath())
	return nil
}

func (r *Root) cmdFlow(ctx context.Context, out io.Writer, stackType, name string, mode tasks.Mode) error {
	if mode == tasks.ModeTune {
		fmt.Fprintln(out, "Sorry, parameter tuning is not implemented yet.")
		return tasks.ErrNotImplemented
	}
	if stackType == "" {
		return errors.New("flow requires --type")
	}
	files, err := r.ws.Inbox()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintf(out, "Inbox %s is empty.\n", r.ws.InboxPath())
		return nil
	}
	if name != "" && len(files) > 1 {
		return fmt.Errorf("--name needs exactly one stack in the inbox, found %d", len(files))
	}

	jobs := make([]pipeline.Job, len(files))
	for i, f := range files {
		jobs[i] = pipeline.Job{
			ID:        newID("flow"),
			Type:      pipeline.JobFlow,
			InputPath: f,
			Options: map[string]any{
				"stack_type": stackType,
				"name":       name,
				"mode":       string(mode),
				"source":     "cli",
			},
		}
		if mode == tasks.ModeDefault {
			fmt.Fprintf(out, "Using default parameters for %s.\n", f)
		}
	}
	return r.enqueueAllAndWait(ctx, jobs, func(res pipeline.Result) {
		if res.Error != nil {
			fmt.Fprintf(out, "Optical flow calculation failed for %s: %v\n", res.Job.InputPath, res.Error)
			return
		}
		fmt.Fprintf(out, "Optical flow calculation successful for %s! stack=%v tag=%v shape=%v\n",
			res.Job.InputPath, res.Meta["stack"], res.Meta["tag"], res.Meta["shape"])
	})
}

func (r *Root) cmdTrajectory(ctx context.Context, in io.Reader, out io.Writer, stack, flowTag string, mode tasks.Mode) error {
	if mode == tasks.ModeTune {
		fmt.Fprintln(out, "Sorry, parameter tuning is not implemented yet.")
		return tasks.ErrNotImplemented
	}
	p := newPrompter(in, out)
	stack, err := r.selectStack(p, stack)
	if err != nil {
		return err
	}
	tags, err := r.catalog.FlowTags(stack)
	if err != nil {
		return err
	}
	if flowTag, err = p.chooseTag(stack, tags, flowTag); err != nil {
		return err
	}
	job := pipeline.Job{
		ID:      newID("traj"),
		Type:    pipeline.JobTrajectory,
		Stack:   stack,
		Options: map[string]any{"flow": flowTag, "mode": string(mode), "source": "cli"},
	}
	return r.enqueueAllAndWait(ctx, []pipeline.Job{job}, func(res pipeline.Result) {
		if res.Error == nil {
			fmt.Fprintf(out, "Trajectory %v written to %v\n", res.Meta["tag"], res.Meta["path"])
		}
	})
}

func (r *Root) cmdVideo(ctx context.Context, in io.Reader, out io.Writer, stack, tag string, fps, step, plane int) error {
	p := newPrompter(in, out)
	stack, err := r.selectStack(p, stack)
	if err != nil {
		return err
	}
	flows, err := r.catalog.FlowTags(stack)
	if err != nil {
		return err
	}
	trajs, err := r.catalog.TrajectoryTags(stack)
	if err != nil {
		return err
	}
	if tag, err = p.chooseTag(stack, append(flows, trajs...), tag); err != nil {
		return err
	}
	job := pipeline.Job{
		ID:    newID("video"),
		Type:  pipeline.JobVideo,
		Stack: stack,
		Options: map[string]any{
			"tag":    tag,
			"fps":    fps,
			"step":   step,
			"plane":  plane,
			"source": "cli",
		},
	}
	return r.enqueueAllAndWait(ctx, []pipeline.Job{job}, func(res pipeline.Result) {
		if res.Error == nil {
			fmt.Fprintf(out, "Video written to %v\n", res.Meta["path"])
		}
	})
}

func (r *Root) cmdStacks(out io.Writer) error {
	stacks, err := r.catalog.Stacks()
	if err != nil {
		return err
	}
	if len(stacks) == 0 {
		fmt.Fprintln(out, "No stacks stored yet.")
		return nil
	}
	for _, name := range stacks {
		stackType := "?"
		if meta, err := r.catalog.LoadMeta(name); err == nil {
			stackType = meta.StackType
		}
		flows, _ := r.catalog.FlowTags(name)
		trajs, _ := r.catalog.TrajectoryTags(name)
		fmt.Fprintf(out, "%s\ttype=%s\tflows=%s\ttrajectories=%s\n", name, stackType, strings.Join(flows, ","), strings.Join(trajs, ","))
	}
	return nil
}

func (r *Root) cmdTypes(out io.Writer, show string) error {
	if show != "" {
		cfg, ok, err := r.types.Lookup(show)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("stack type %q is not registered", show)
		}
		return writeJSON(out, cfg)
	}
	names, err := r.types.Types()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(out, "No stack types registered yet.")
	}
	for _, n := range names {
		fmt.Fprintln(out, n)
	}
	return nil
}

func (r *Root) cmdWatch(ctx context.Context, out io.Writer, stackType string, mode tasks.Mode) error {
	if stackType == "" {
		return errors.New("watch requires --type")
	}
	if mode == tasks.ModeTune {
		return tasks.ErrNotImplemented
	}
	w, err := tasks.NewInboxWatcher(r.ws.InboxPath(), r.watchSettle, r.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	results, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	fmt.Fprintf(out, "Watching %s for %s stacks (Ctrl-C to stop)\n", r.ws.InboxPath(), stackType)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			job := pipeline.Job{
				ID:        newID("flow"),
				Type:      pipeline.JobFlow,
				InputPath: ev.Path,
				Options:   map[string]any{"stack_type": stackType, "mode": string(mode), "source": "watch"},
			}
			if err := r.enqueue(ctx, job); err != nil {
				r.log.Error("failed to queue inbox stack", "path", ev.Path, "error", err)
			}
		case res, ok := <-results:
			if !ok {
				return fmt.Errorf("pipeline stopped")
			}
			if res.Error != nil {
				fmt.Fprintf(out, "%s failed: %v\n", res.Job.InputPath, res.Error)
			} else {
				fmt.Fprintf(out, "%s -> %v %v\n", res.Job.InputPath, res.Meta["stack"], res.Meta["tag"])
			}
		}
	}
}

func (r *Root) selectStack(p *prompter, stack string) (string, error) {
	stacks, err := r.catalog.Stacks()
	if err != nil {
		return "", err
	}
	if len(stacks) == 0 {
		return "", errors.New("no stacks stored yet, run `cellflow flow` first")
	}
	if stack == "" {
		return p.chooseStack(stacks)
	}
	for _, s := range stacks {
		if s == stack {
			return stack, nil
		}
	}
	return "", fmt.Errorf("stack %q not found", stack)
}

// enqueueAllAndWait submits jobs and reports each result to report as it
// arrives. It returns once every job has finished, with their errors joined.
func (r *Root) enqueueAllAndWait(ctx context.Context, jobs []pipeline.Job, report func(pipeline.Result)) error {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	pending := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if err := r.enqueue(ctx, job); err != nil {
			return err
		}
		pending[job.ID] = true
	}

	var errs []error
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if !pending[res.Job.ID] {
				continue
			}
			delete(pending, res.Job.ID)
			if report != nil {
				report(res)
			}
			if res.Error != nil {
				errs = append(errs, res.Error)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	if err := r.pipeline.Enqueue(ctx, job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath, "stack", job.Stack)
	return nil
}

// prompter asks the user to pick stacks and tags interactively.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) ask(question string) (string, error) {
	fmt.Fprint(p.out, question)
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("no answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (p *prompter) chooseStack(stacks []string) (string, error) {
	fmt.Fprintln(p.out, "Stored stacks:")
	for i, s := range stacks {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, s)
	}
	answer, err := p.ask("Select a stack by number: ")
	if err != nil {
		return "", err
	}
	n, err := strconv.Atoi(answer)
	if err != nil || n < 1 || n > len(stacks) {
		return "", fmt.Errorf("invalid stack selection %q", answer)
	}
	return stacks[n-1], nil
}

// chooseTag validates tag against tags, prompting when it is empty. Typing
// "list" or "l" prints the available tags and asks again.
func (p *prompter) chooseTag(stack string, tags []string, tag string) (string, error) {
	if len(tags) == 0 {
		return "", fmt.Errorf("stack %s has no stored artifacts", stack)
	}
	for tag == "" {
		answer, err := p.ask(fmt.Sprintf("You selected %s. Type a tag, or 'list' (l) to see all tags: ", stack))
		if err != nil {
			return "", err
		}
		switch strings.ToLower(answer) {
		case "list", "l":
			for _, t := range tags {
				fmt.Fprintln(p.out, t)
			}
		default:
			tag = answer
		}
	}
	for _, t := range tags {
		if t == tag {
			return tag, nil
		}
	}
	return "", fmt.Errorf("tag %s not found for stack %s", tag, stack)
}
