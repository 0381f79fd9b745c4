package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"cellflow/internal/artifact"
	"cellflow/internal/config"
	"cellflow/internal/metrics"
	"cellflow/internal/pipeline"
	"cellflow/internal/storage"
)

type stubQueue struct {
	mu        sync.Mutex
	submitted []pipeline.Job
	err       error
	results   chan pipeline.Result
	subs      chan struct{}
}

func newStubQueue() *stubQueue {
	return &stubQueue{results: make(chan pipeline.Result, 1), subs: make(chan struct{}, 1)}
}

func (q *stubQueue) Submit(job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.submitted = append(q.submitted, job)
	return nil
}

func (q *stubQueue) Subscribe() (<-chan pipeline.Result, func()) {
	q.subs <- struct{}{}
	return q.results, func() {}
}

type stubCatalog struct{}

func (stubCatalog) Stacks() ([]string, error) { return []string{"cell"}, nil }
func (stubCatalog) LoadMeta(stack string) (artifact.Meta, error) {
	return artifact.Meta{Path: "/in/cell.tif", StackType: "membrane", Name: stack}, nil
}
func (stubCatalog) FlowTags(string) ([]string, error)       { return []string{"f0", "f1"}, nil }
func (stubCatalog) TrajectoryTags(string) ([]string, error) { return []string{"tf0a"}, nil }

func newTestServer(t *testing.T, q JobQueue) (*Server, *storage.Store) {
	t.Helper()
	st, err := storage.New(filepath.Join(t.TempDir(), "cellflow.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	s := NewServer(config.Server{}, st, q, stubCatalog{}, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, st
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, newStubQueue())
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestSubmitJob(t *testing.T) {
	q := newStubQueue()
	s, _ := newTestServer(t, q)

	body := `{"type":"video","stack":"cell","options":{"tag":"f0","fps":5}}`
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job pipeline.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotEmpty(t, job.ID)
	require.Len(t, q.submitted, 1)
	assert.Equal(t, pipeline.JobVideo, q.submitted[0].Type)
	assert.Equal(t, "f0", q.submitted[0].Options["tag"])
	assert.Equal(t, "http", q.submitted[0].Options["source"])
}

func TestSubmitRejectsBadJobs(t *testing.T) {
	q := newStubQueue()
	s, _ := newTestServer(t, q)
	for _, body := range []string{
		`not json`,
		`{"type":"scan"}`,
		`{"type":"flow"}`,
		`{"type":"trajectory","options":{"flow":"f0"}}`,
	} {
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, q.submitted)

	q.err = pipeline.ErrQueueFull
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(`{"type":"flow","input_path":"a.tif"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJobsAndArtifacts(t *testing.T) {
	s, st := newTestServer(t, newStubQueue())
	require.NoError(t, st.RecordJobQueued(storage.JobRecord{ID: "j1", JobType: "flow", Status: "queued", Stack: "cell"}))
	require.NoError(t, st.RecordJobResult("j1", "completed", map[string]any{"tag": "f0"}, ""))
	require.NoError(t, st.RecordArtifact(storage.ArtifactRecord{Stack: "cell", Kind: "flow", Tag: "f0", Path: "/r/cell/flow/cell_f0.npy", JobID: "j1"}))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []storage.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "completed", jobs[0].Status)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/j1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tag":"f0"`)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/artifacts?stack=cell", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var arts []storage.ArtifactRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &arts))
	require.Len(t, arts, 1)
	assert.Equal(t, "j1", arts[0].JobID)
}

func TestStacks(t *testing.T) {
	s, _ := newTestServer(t, newStubQueue())
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/stacks", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stacks []stackInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stacks))
	require.Len(t, stacks, 1)
	assert.Equal(t, stackInfo{Name: "cell", StackType: "membrane", Source: "/in/cell.tif", Flows: []string{"f0", "f1"}, Trajectories: []string{"tf0a"}}, stacks[0])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, newStubQueue())
	s.metrics.JobFinished("flow", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cellflow_jobs_total")
}

func TestStreamDeliversResults(t *testing.T) {
	q := newStubQueue()
	s, _ := newTestServer(t, q)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	<-q.subs
	q.results <- pipeline.Result{Job: pipeline.Job{ID: "j9", Type: pipeline.JobFlow}, Error: errors.New("bad stack")}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)
	var ev resultEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, resultEvent{JobID: "j9", Type: "flow", Status: "failed", Error: "bad stack"}, ev)
}

func TestWebSocketDeliversResults(t *testing.T) {
	q := newStubQueue()
	s, _ := newTestServer(t, q)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	<-q.subs
	q.results <- pipeline.Result{Job: pipeline.Job{ID: "j2", Type: pipeline.JobTrajectory, Stack: "cell"}, Meta: map[string]any{"tag": "tf0a"}}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev resultEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "j2", ev.JobID)
	assert.Equal(t, "completed", ev.Status)
	assert.Equal(t, "tf0a", ev.Meta["tag"])
}

func TestGRPCHealth(t *testing.T) {
	s, _ := newTestServer(t, newStubQueue())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := s.newGRPCServer()
	go gs.Serve(lis)
	defer gs.Stop()

	cc, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: "cellflow.Pipeline"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
