package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/martinsuchenak/netprov/internal/log"
)

// Task status values
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TaskHandler is the function executed by a task
type TaskHandler func(ctx context.Context, taskID string) error

// Task is a recurring background job
type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Status    string     `json:"status"`
	NextRun   time.Time  `json:"next_run"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`

	entry   cron.EntryID
	handler TaskHandler
}

// Scheduler runs registered tasks on cron schedules. A task whose previous
// run has not finished is skipped rather than started twice.
type Scheduler struct {
	mu      sync.RWMutex
	cron    *cron.Cron
	tasks   map[string]*Task
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a stopped scheduler
func NewScheduler() *Scheduler {
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a task. schedule is a standard five-field cron expression or a
// descriptor such as "@every 30s".
func (s *Scheduler) Register(id, name, schedule string, handler TaskHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; ok {
		return fmt.Errorf("task %q already registered", id)
	}

	task := &Task{ID: id, Name: name, Schedule: schedule, Status: StatusPending, handler: handler}
	entry, err := s.cron.AddFunc(schedule, func() { s.run(task) })
	if err != nil {
		return fmt.Errorf("scheduling task %q: %w", id, err)
	}
	task.entry = entry
	s.tasks[id] = task

	log.Info("Task registered", "task_id", id, "schedule", schedule)
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	log.Info("Starting background scheduler", "tasks", len(s.tasks))
}

// Stop cancels running tasks and waits for them to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Info("Stopping background scheduler")
	stopped := s.cron.Stop()
	s.cancel()
	<-stopped.Done()
}

// Tasks returns a snapshot of every task
func (s *Scheduler) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		snapshot := *t
		snapshot.NextRun = s.cron.Entry(t.entry).Next
		out = append(out, snapshot)
	}
	return out
}

func (s *Scheduler) run(task *Task) {
	s.mu.Lock()
	now := time.Now()
	task.Status = StatusRunning
	task.LastRun = &now
	s.mu.Unlock()

	log.Debug("Running task", "task_id", task.ID)
	err := task.handler(s.ctx, task.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		task.Status = StatusFailed
		task.LastError = err.Error()
		log.Error("Task failed", "task_id", task.ID, "error", err)
		return
	}
	task.Status = StatusCompleted
	task.LastError = ""
	log.Debug("Task completed", "task_id", task.ID, "took", time.Since(now))
}

// cronLogger routes cron's own messages into the process logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Trace("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
