package processor

import (
	"sync"
	"time"
)

// WorkerState is the lifecycle state of a dequeue loop.
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerBusy    WorkerState = "busy"
	WorkerStopped WorkerState = "stopped"
)

// Worker is one dequeue loop.
type Worker struct {
	id          int
	state       WorkerState
	currentTask string
	startedAt   *time.Time
	processed   int64
	mu          sync.RWMutex
}

// WorkerStatus is a snapshot of a Worker.
type WorkerStatus struct {
	ID          int         `json:"id"`
	State       WorkerState `json:"state"`
	CurrentTask string      `json:"current_task,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	Processed   int64       `json:"processed"`
}

func (w *Worker) startTask(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.state = WorkerBusy
	w.currentTask = taskID
	w.startedAt = &now
}

func (w *Worker) finishTask() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = WorkerIdle
	w.currentTask = ""
	w.startedAt = nil
	w.processed++
}

func (w *Worker) setState(state WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}

func (w *Worker) status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerStatus{
		ID:          w.id,
		State:       w.state,
		CurrentTask: w.currentTask,
		StartedAt:   w.startedAt,
		Processed:   w.processed,
	}
}
