package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cellflow/internal/storage"
	"cellflow/internal/tasks"
)

// Service runs the operations behind each job type. *tasks.Service implements it.
type Service interface {
	Flow(ctx context.Context, req tasks.FlowRequest) (*tasks.Result, error)
	Trajectory(ctx context.Context, req tasks.TrajectoryRequest) (*tasks.Result, error)
	Video(ctx context.Context, req tasks.VideoRequest) (*tasks.Result, error)
}

// router implements Processor and routes jobs to the service.
type router struct {
	log   *slog.Logger
	store *storage.Store
	svc   Service
}

func newRouter(logger *slog.Logger, store *storage.Store, svc Service) Processor {
	return &router{log: logger, store: store, svc: svc}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobFlow:
		return r.handleFlow(ctx, job)
	case JobTrajectory:
		return r.handleTrajectory(ctx, job)
	case JobVideo:
		return r.handleVideo(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleFlow(ctx context.Context, job Job) Result {
	stackType, _ := job.Options["stack_type"].(string)
	name, _ := job.Options["name"].(string)
	if name == "" {
		name = job.Stack
	}
	res, err := r.svc.Flow(ctx, tasks.FlowRequest{
		Path:      job.InputPath,
		StackType: stackType,
		Name:      name,
		Mode:      modeOption(job.Options),
	})
	return r.finish(job, res, err)
}

func (r *router) handleTrajectory(ctx context.Context, job Job) Result {
	flowTag, _ := job.Options["flow"].(string)
	if flowTag == "" {
		return Result{Job: job, Error: fmt.Errorf("trajectory job %s names no flow tag", job.ID)}
	}
	res, err := r.svc.Trajectory(ctx, tasks.TrajectoryRequest{
		Stack:   job.Stack,
		FlowTag: flowTag,
		Mode:    modeOption(job.Options),
	})
	return r.finish(job, res, err)
}

func (r *router) handleVideo(ctx context.Context, job Job) Result {
	tag, _ := job.Options["tag"].(string)
	if tag == "" {
		return Result{Job: job, Error: fmt.Errorf("video job %s names no tag", job.ID)}
	}
	res, err := r.svc.Video(ctx, tasks.VideoRequest{
		Stack: job.Stack,
		Tag:   tag,
		FPS:   intOption(job.Options, "fps"),
		Step:  intOption(job.Options, "step"),
		Plane: intOption(job.Options, "plane"),
	})
	return r.finish(job, res, err)
}

// finish indexes the written artifact and builds the job result.
func (r *router) finish(job Job, res *tasks.Result, err error) Result {
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if r.store != nil {
		if ierr := r.store.RecordArtifact(storage.ArtifactRecord{
			Stack: res.Stack,
			Kind:  res.Kind,
			Tag:   res.Tag,
			Path:  res.Path,
			JobID: job.ID,
		}); ierr != nil {
			r.log.Warn("failed to index artifact", "job", job.ID, "path", res.Path, "error", ierr)
		}
	}
	return Result{Job: job, Meta: res.Meta()}
}

func modeOption(opts map[string]any) tasks.Mode {
	mode, _ := opts["mode"].(string)
	return tasks.Mode(mode)
}

// intOption accepts ints from the CLI and float64 or json.Number from decoded JSON.
func intOption(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
