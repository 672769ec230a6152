package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/crewline/crewline/pkg/models"
)

// RunStatus is the lifecycle state of one crew run.
type RunStatus string

// Run lifecycle states.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one crew execution tracked by the registry.
type Run struct {
	ID         string             `json:"id"`
	Status     RunStatus          `json:"status"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	Output     *models.CrewOutput `json:"output,omitempty"`
	Error      string             `json:"error,omitempty"`

	cancel    context.CancelFunc
	cancelled bool
}

type runRegistry struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*Run)}
}

func (r *runRegistry) add(run *Run) {
	r.mu.Lock()
	r.runs[run.ID] = run
	r.mu.Unlock()
}

// get returns a copy so callers never observe a run mid-update.
func (r *runRegistry) get(id string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return *run, nil
}

// list returns copies of all runs, newest first.
func (r *runRegistry) list() []Run {
	r.mu.Lock()
	out := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, *run)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// requestCancel marks the run cancelled and fires its context cancel.
func (r *runRegistry) requestCancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status != RunRunning {
		return ErrRunNotCancellable
	}
	run.cancelled = true
	run.cancel()
	return nil
}

// finish records the terminal state of a run.
func (r *runRegistry) finish(id string, output models.CrewOutput, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return
	}
	now := time.Now()
	run.FinishedAt = &now
	switch {
	case run.cancelled:
		run.Status = RunCancelled
	case err != nil:
		run.Status = RunFailed
		run.Error = err.Error()
	default:
		run.Status = RunCompleted
		run.Output = &output
	}
}

// createRunHandler handles POST /api/v1/runs.
func (s *Server) createRunHandler(c *gin.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	run := &Run{
		ID:        uuid.New().String(),
		Status:    RunRunning,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	s.runs.add(run)
	s.logger.Info("Crew run started", "run_id", run.ID)

	go func() {
		defer cancel()
		output, err := s.crew.Kickoff(ctx)
		s.runs.finish(run.ID, output, err)
		if err != nil {
			s.logger.Error("Crew run finished with error", "run_id", run.ID, "error", err)
			return
		}
		s.logger.Info("Crew run finished", "run_id", run.ID)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"id":     run.ID,
		"status": run.Status,
	})
}

// getRunHandler handles GET /api/v1/runs/:id.
func (s *Server) getRunHandler(c *gin.Context) {
	run, err := s.runs.get(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// listRunsHandler handles GET /api/v1/runs.
func (s *Server) listRunsHandler(c *gin.Context) {
	runs := s.runs.list()
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// cancelRunHandler handles POST /api/v1/runs/:id/cancel.
func (s *Server) cancelRunHandler(c *gin.Context) {
	id := c.Param("id")
	if err := s.runs.requestCancel(id); err != nil {
		abortWithError(c, err)
		return
	}
	s.logger.Info("Crew run cancellation requested", "run_id", id)
	c.JSON(http.StatusOK, gin.H{
		"id":     id,
		"status": RunCancelled,
	})
}
