package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/scoreload/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestJob creates a test Job
func newTestJob(id string) types.Job {
	return types.Job{
		ID:       types.JobID(id),
		FilePath: "/scores/" + id + ".musicxml",
		Timeout:  10 * time.Second,
	}
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobState asserts job state
func assertJobState(t *testing.T, jm *JobManager, id types.JobID, want types.JobState) {
	t.Helper()
	job, exists := jm.Get(id)
	if !exists {
		t.Errorf("job %s not found", id)
		return
	}
	if job.State != want {
		t.Errorf("job %s state: got %s, want %s", id, job.State, want)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()

	if jm.Len() != 0 {
		t.Errorf("expected empty registry, got %d", jm.Len())
	}
	stats := jm.Stats()
	for _, key := range []string{"queued", "running", "completed", "failed", "timed_out"} {
		if v, ok := stats[key]; !ok || v != 0 {
			t.Errorf("stats[%s] = %d (present=%v), want 0", key, v, ok)
		}
	}
}

func TestRegister(t *testing.T) {
	jm := NewJobManager()

	assertNoError(t, jm.Register(newTestJob("job-1")))
	assertJobState(t, jm, "job-1", types.StateQueued)

	job, _ := jm.Get("job-1")
	if job.StartTime.IsZero() || job.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	err := jm.Register(newTestJob("job-1"))
	assertError(t, err, types.ErrDuplicateJob)
}

func TestMarkRunning(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Register(newTestJob("job-1")))

	assertNoError(t, jm.MarkRunning("job-1", "local-1"))
	assertJobState(t, jm, "job-1", types.StateRunning)

	job, _ := jm.Get("job-1")
	if job.WorkerID != "local-1" {
		t.Errorf("worker id: got %q, want local-1", job.WorkerID)
	}

	assertError(t, jm.MarkRunning("job-1", "local-2"), ErrInvalidTransition)
	assertError(t, jm.MarkRunning("missing", "local-3"), ErrJobNotFound)
}

func TestFinishIsIdempotent(t *testing.T) {
	tests := []struct {
		name  string
		state types.JobState
	}{
		{"completed", types.StateCompleted},
		{"failed", types.StateFailed},
		{"timed out", types.StateTimedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			assertNoError(t, jm.Register(newTestJob("job-1")))
			assertNoError(t, jm.MarkRunning("job-1", "w"))

			job, ok := jm.Finish("job-1", tt.state)
			if !ok {
				t.Fatal("first Finish should report true")
			}
			if job.State != tt.state {
				t.Errorf("final state: got %s, want %s", job.State, tt.state)
			}
			if jm.IsActive("job-1") {
				t.Error("record should be removed")
			}

			if _, ok := jm.Finish("job-1", types.StateFailed); ok {
				t.Error("second Finish should report false")
			}
			if got := jm.Stats()[string(tt.state)]; got != 1 {
				t.Errorf("outcome count: got %d, want 1", got)
			}
		})
	}
}

func TestFinishRejectsNonTerminalState(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Register(newTestJob("job-1")))

	if _, ok := jm.Finish("job-1", types.StateRunning); ok {
		t.Error("Finish with a non-terminal state should fail")
	}
	if !jm.IsActive("job-1") {
		t.Error("record should remain")
	}
}

func TestFinishFromQueued(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Register(newTestJob("job-1")))

	if _, ok := jm.Finish("job-1", types.StateFailed); !ok {
		t.Error("a queued job whose spawn failed can be finished")
	}
}

func TestJobsOrderedByStart(t *testing.T) {
	jm := NewJobManager()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"c", "a", "b"} {
		job := newTestJob(id)
		job.StartTime = base.Add(time.Duration(2-i) * time.Second)
		assertNoError(t, jm.Register(job))
	}

	jobs := jm.Jobs()
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	want := []types.JobID{"b", "a", "c"}
	for i, job := range jobs {
		if job.ID != want[i] {
			t.Errorf("jobs[%d] = %s, want %s", i, job.ID, want[i])
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Register(newTestJob("job-1")))

	job, _ := jm.Get("job-1")
	job.State = types.StateCompleted

	assertJobState(t, jm, "job-1", types.StateQueued)
}

func TestStats(t *testing.T) {
	jm := NewJobManager()
	for i := 0; i < 4; i++ {
		assertNoError(t, jm.Register(newTestJob(fmt.Sprintf("job-%d", i))))
	}
	assertNoError(t, jm.MarkRunning("job-0", "w0"))
	assertNoError(t, jm.MarkRunning("job-1", "w1"))
	jm.Finish("job-1", types.StateCompleted)
	jm.Finish("job-2", types.StateTimedOut)

	stats := jm.Stats()
	want := map[string]int{"queued": 1, "running": 1, "completed": 1, "failed": 0, "timed_out": 1}
	for k, v := range want {
		if stats[k] != v {
			t.Errorf("stats[%s] = %d, want %d", k, stats[k], v)
		}
	}
}

func TestClear(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Register(newTestJob("a")))
	assertNoError(t, jm.Register(newTestJob("b")))
	jm.Finish("a", types.StateCompleted)

	ids := jm.Clear()
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("cleared ids: got %v, want [b]", ids)
	}
	if jm.Len() != 0 {
		t.Error("registry should be empty")
	}
	if jm.Stats()["completed"] != 1 {
		t.Error("outcome counters should survive Clear")
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentFinishRunsOnce(t *testing.T) {
	jm := NewJobManager()
	assertNoError(t, jm.Register(newTestJob("job-1")))
	assertNoError(t, jm.MarkRunning("job-1", "w"))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state := types.StateCompleted
			if i%2 == 0 {
				state = types.StateTimedOut
			}
			if _, ok := jm.Finish("job-1", state); ok {
				mu.Lock()
				first++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if first != 1 {
		t.Errorf("Finish succeeded %d times, want 1", first)
	}
}

func TestConcurrentRegister(t *testing.T) {
	jm := NewJobManager()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = jm.Register(newTestJob(fmt.Sprintf("job-%d", i%25)))
		}(i)
	}
	wg.Wait()

	if jm.Len() != 25 {
		t.Errorf("got %d jobs, want 25", jm.Len())
	}
}
