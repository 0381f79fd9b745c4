package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"cellflow/internal/artifact"
	"cellflow/internal/config"
	"cellflow/internal/metrics"
	"cellflow/internal/pipeline"
	"cellflow/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// JobQueue accepts jobs and publishes their results. *pipeline.Pipeline implements it.
type JobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Catalog lists stored stacks. *artifact.Store implements it.
type Catalog interface {
	Stacks() ([]string, error)
	LoadMeta(stack string) (artifact.Meta, error)
	FlowTags(stack string) ([]string, error)
	TrajectoryTags(stack string) ([]string, error)
}

// Server exposes jobs, artifacts and metrics over HTTP and a gRPC health service.
type Server struct {
	addr     string
	grpcAddr string
	store    *storage.Store
	pipeline JobQueue
	catalog  Catalog
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	health   *health.Server
}

// NewServer wires the handlers. store and m may be nil.
func NewServer(cfg config.Server, store *storage.Store, pipe JobQueue, catalog Catalog, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{
		addr:     cfg.Addr,
		grpcAddr: cfg.GRPCAddr,
		store:    store,
		pipeline: pipe,
		catalog:  catalog,
		metrics:  m,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		health: health.NewServer(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var gs *grpc.Server
	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", s.grpcAddr, err)
		}
		gs = s.newGRPCServer()
		go func() {
			s.log.Info("gRPC health service starting", "addr", s.grpcAddr)
			if err := gs.Serve(lis); err != nil {
				s.log.Error("gRPC server stopped", "error", err)
			}
		}()
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		s.health.Shutdown()
		if gs != nil {
			gs.GracefulStop()
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) newGRPCServer() *grpc.Server {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("cellflow.Pipeline", healthpb.HealthCheckResponse_SERVING)
	return gs
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/artifacts", s.handleArtifacts).Methods("GET")
	r.HandleFunc("/stacks", s.handleStacks).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "invalid job: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch job.Type {
	case pipeline.JobFlow:
		if job.InputPath == "" {
			http.Error(w, "flow jobs need input_path", http.StatusBadRequest)
			return
		}
	case pipeline.JobTrajectory, pipeline.JobVideo:
		if job.Stack == "" {
			http.Error(w, string(job.Type)+" jobs need stack", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, fmt.Sprintf("unknown job type %q", job.Type), http.StatusBadRequest)
		return
	}
	job.ID = uuid.NewString()
	if job.Options == nil {
		job.Options = map[string]any{}
	}
	job.Options["source"] = "http"
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Info("job queued", "type", job.Type, "id", job.ID, "source", "http")
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.JobMeta(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "no result for job", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.Artifacts(r.URL.Query().Get("stack"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type stackInfo struct {
	Name         string   `json:"name"`
	StackType    string   `json:"stack_type"`
	Source       string   `json:"source"`
	Flows        []string `json:"flows"`
	Trajectories []string `json:"trajectories"`
}

func (s *Server) handleStacks(w http.ResponseWriter, r *http.Request) {
	names, err := s.catalog.Stacks()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]stackInfo, 0, len(names))
	for _, name := range names {
		info := stackInfo{Name: name}
		if meta, err := s.catalog.LoadMeta(name); err == nil {
			info.StackType, info.Source = meta.StackType, meta.Path
		}
		info.Flows, _ = s.catalog.FlowTags(name)
		info.Trajectories, _ = s.catalog.TrajectoryTags(name)
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// resultEvent is the wire form of a pipeline result.
type resultEvent struct {
	JobID  string         `json:"job_id"`
	Type   string         `json:"type"`
	Stack  string         `json:"stack,omitempty"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func newResultEvent(res pipeline.Result) resultEvent {
	ev := resultEvent{
		JobID:  res.Job.ID,
		Type:   string(res.Job.Type),
		Stack:  res.Job.Stack,
		Status: "completed",
		Meta:   res.Meta,
	}
	if res.Error != nil {
		ev.Status, ev.Error = "failed", res.Error.Error()
	}
	return ev
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newResultEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "pipeline stopped"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(newResultEvent(res)); err != nil {
				s.log.Debug("websocket client dropped", "error", err)
				return
			}
		}
	}
}
