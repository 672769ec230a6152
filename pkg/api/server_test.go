package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/pkg/crew"
	"github.com/crewline/crewline/pkg/llm"
	"github.com/crewline/crewline/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestCrew(t *testing.T, client llm.Client) *crew.Crew {
	t.Helper()
	c, err := crew.New(context.Background(), crew.Options{
		Name:   "test",
		Agents: []models.AgentSpec{{ID: "worker", Role: "Worker", Goal: "work"}},
		Tasks:  []models.TaskSpec{{ID: "T1", Description: "Do the work", AgentRef: "worker"}},
		LLM:    client,
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func newTestServer(t *testing.T, client llm.Client) *Server {
	t.Helper()
	server, err := NewServer(Options{
		Crew:     newTestCrew(t, client),
		Gatherer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return server
}

func doRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(rec, req)
	return rec
}

// waitForRun polls the run endpoint until the run leaves the running state.
func waitForRun(t *testing.T, router *gin.Engine, id string) Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doRequest(router, http.MethodGet, "/api/v1/runs/"+id)
		require.Equal(t, http.StatusOK, rec.Code)

		var run Run
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
		if run.Status != RunRunning {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return Run{}
}

func createRun(t *testing.T, router *gin.Engine) string {
	t.Helper()
	rec := doRequest(router, http.MethodPost, "/api/v1/runs")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		ID     string    `json:"id"`
		Status RunStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.ID)
	assert.Equal(t, RunRunning, body.Status)
	return body.ID
}

func TestNewServerRequiresCrew(t *testing.T) {
	_, err := NewServer(Options{})
	require.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestServer(t, llm.NewEchoClient()).Router()
	rec := doRequest(router, http.MethodGet, "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCreateAndGetRun(t *testing.T) {
	router := newTestServer(t, llm.NewEchoClient()).Router()
	id := createRun(t, router)

	run := waitForRun(t, router, id)
	assert.Equal(t, RunCompleted, run.Status)
	require.NotNil(t, run.Output)
	require.Len(t, run.Output.TaskOutputs, 1)
	assert.Contains(t, run.Output.FinalOutput, "Do the work")
	assert.NotNil(t, run.FinishedAt)
	assert.Empty(t, run.Error)
}

func TestGetRunNotFound(t *testing.T) {
	router := newTestServer(t, llm.NewEchoClient()).Router()
	rec := doRequest(router, http.MethodGet, "/api/v1/runs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFailedRunRecordsError(t *testing.T) {
	client := llm.NewStubClient(func([]models.Message) (llm.Result, error) {
		return llm.Result{}, assert.AnError
	})
	router := newTestServer(t, client).Router()
	id := createRun(t, router)

	run := waitForRun(t, router, id)
	assert.Equal(t, RunFailed, run.Status)
	assert.NotEmpty(t, run.Error)
	assert.Nil(t, run.Output)
}

func TestCancelRunningRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := llm.NewStubClient(func([]models.Message) (llm.Result, error) {
		close(started)
		<-release
		return llm.Result{Content: "late"}, nil
	})
	router := newTestServer(t, client).Router()
	id := createRun(t, router)
	<-started

	rec := doRequest(router, http.MethodPost, "/api/v1/runs/"+id+"/cancel")
	require.Equal(t, http.StatusOK, rec.Code)
	close(release)

	run := waitForRun(t, router, id)
	assert.Equal(t, RunCancelled, run.Status)
}

func TestCancelFinishedRunConflicts(t *testing.T) {
	router := newTestServer(t, llm.NewEchoClient()).Router()
	id := createRun(t, router)
	waitForRun(t, router, id)

	rec := doRequest(router, http.MethodPost, "/api/v1/runs/"+id+"/cancel")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelUnknownRun(t *testing.T) {
	router := newTestServer(t, llm.NewEchoClient()).Router()
	rec := doRequest(router, http.MethodPost, "/api/v1/runs/nope/cancel")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunsNewestFirst(t *testing.T) {
	router := newTestServer(t, llm.NewEchoClient()).Router()
	first := createRun(t, router)
	waitForRun(t, router, first)
	second := createRun(t, router)
	waitForRun(t, router, second)

	rec := doRequest(router, http.MethodGet, "/api/v1/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs  []Run `json:"runs"`
		Count int   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	ids := []string{body.Runs[0].ID, body.Runs[1].ID}
	assert.Contains(t, ids, first)
	assert.Contains(t, ids, second)
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "crewline_test_total",
		Help: "Test counter.",
	}, func() float64 { return 1 }))

	server, err := NewServer(Options{
		Crew:     newTestCrew(t, llm.NewEchoClient()),
		Gatherer: registry,
	})
	require.NoError(t, err)

	rec := doRequest(server.Router(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "crewline_test_total"))
}
