// Package scheduler implements the admission (users) + dispatch (workers)
// control loop: a single supervisor tick that promotes jobs from PENDING
// to RUNNING, spawns one task per admitted job, and reconciles in-memory
// task handles against persisted status on every pass in which
// cascade-cancel changed rows.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wsiflow/scheduler/internal/metrics"
	"github.com/wsiflow/scheduler/jobruntime"
	"github.com/wsiflow/scheduler/repository"
	"github.com/wsiflow/scheduler/store"
)

// runningJob is the scheduler's in-memory record of a dispatched task: its
// cancel handle plus the branch it occupies, used to
// enforce "at most one running job per branch" before the DB write and as
// the target set for kill/zombie-reap.
type runningJob struct {
	cancel   context.CancelFunc
	branchID string
	done     chan struct{}
}

// Scheduler is the admission + dispatch control loop described in the
// design: per-user admission slots bounded by MaxActiveUsers, per-job
// worker slots bounded by MaxWorkers.
type Scheduler struct {
	repo       *repository.Repository
	dispatcher *jobruntime.Dispatcher
	metrics    *metrics.Metrics

	maxWorkers     int
	maxActiveUsers int
	tickInterval   time.Duration

	mu          sync.Mutex
	activeUsers map[string]struct{}
	running     map[string]*runningJob

	stop chan struct{}
	done chan struct{}
}

func New(repo *repository.Repository, dispatcher *jobruntime.Dispatcher, m *metrics.Metrics, maxWorkers, maxActiveUsers int, tickInterval time.Duration) *Scheduler {
	return &Scheduler{
		repo:           repo,
		dispatcher:     dispatcher,
		metrics:        m,
		maxWorkers:     maxWorkers,
		maxActiveUsers: maxActiveUsers,
		tickInterval:   tickInterval,
		activeUsers:    make(map[string]struct{}),
		running:        make(map[string]*runningJob),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is cancelled or Stop is called. It
// blocks the calling goroutine; callers typically run it in its own
// goroutine from main.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				// A single bad tick must not kill the scheduler.
				slog.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) tick(ctx context.Context) error {
	if err := s.refreshAdmission(ctx); err != nil {
		return err
	}

	cancelled, err := s.repo.CascadeCancel(ctx)
	if err != nil {
		return err
	}
	if cancelled > 0 {
		s.reapZombies(ctx)
	}

	if err := s.dispatch(ctx); err != nil {
		return err
	}

	if s.metrics != nil {
		s.mu.Lock()
		s.metrics.SetActiveUsers(len(s.activeUsers))
		s.metrics.SetActiveWorkers(len(s.running))
		s.mu.Unlock()
	}
	return nil
}

// refreshAdmission releases slots for users with no incomplete work, then
// admits new users up to maxActiveUsers, preferring whoever has been
// waiting longest (earliest-created_at among their PENDING jobs) so no
// single user can starve the others.
func (s *Scheduler) refreshAdmission(ctx context.Context) error {
	busy, err := s.repo.IncompleteUsers(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for user := range s.activeUsers {
		if _, stillBusy := busy[user]; !stillBusy {
			delete(s.activeUsers, user)
		}
	}
	admittedCount := len(s.activeUsers)
	candidates := make([]string, 0, len(busy))
	for user := range busy {
		if _, admitted := s.activeUsers[user]; !admitted {
			candidates = append(candidates, user)
		}
	}
	s.mu.Unlock()

	if admittedCount >= s.maxActiveUsers || len(candidates) == 0 {
		return nil
	}

	oldest, err := s.oldestPendingByUser(ctx, candidates)
	if err != nil {
		return err
	}
	sort.Slice(candidates, func(i, j int) bool {
		return oldest[candidates[i]].Before(oldest[candidates[j]])
	})

	s.mu.Lock()
	for _, user := range candidates {
		if len(s.activeUsers) >= s.maxActiveUsers {
			break
		}
		s.activeUsers[user] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

// oldestPendingByUser returns, for each user, the CreatedAt of their
// earliest PENDING job — the tie-break the design calls out as the
// deterministic, testable admission order.
func (s *Scheduler) oldestPendingByUser(ctx context.Context, users []string) (map[string]time.Time, error) {
	pendingStatus := store.JobStatusPending
	oldest := make(map[string]time.Time, len(users))
	for _, user := range users {
		user := user
		jobs, err := s.repo.GetJobsByUserStatus(ctx, user, pendingStatus)
		if err != nil {
			return nil, err
		}
		best := time.Now()
		for _, j := range jobs {
			if j.CreatedAt.Before(best) {
				best = j.CreatedAt
			}
		}
		oldest[user] = best
	}
	return oldest, nil
}

// reapZombies cancels the in-memory task handle for any running entry
// whose persisted row has already been flipped to a terminal status
// externally (e.g. an HTTP cancel, or cascade-cancel above).
func (s *Scheduler) reapZombies(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		job, err := s.repo.GetJob(ctx, id)
		if err != nil {
			slog.Error("zombie reap: failed to read job", "job_id", id, "error", err)
			continue
		}
		if job == nil {
			continue
		}
		if job.Status == store.JobStatusCancelled || job.Status == store.JobStatusFailed {
			s.mu.Lock()
			if entry, ok := s.running[id]; ok {
				entry.cancel()
			}
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context) error {
	s.mu.Lock()
	freeWorkers := s.maxWorkers - len(s.running)
	allowedUsers := make([]string, 0, len(s.activeUsers))
	for u := range s.activeUsers {
		allowedUsers = append(allowedUsers, u)
	}
	s.mu.Unlock()

	if freeWorkers <= 0 || len(allowedUsers) == 0 {
		return nil
	}

	candidates, err := s.repo.Runnable(ctx, allowedUsers)
	if err != nil {
		return err
	}

	for _, job := range candidates {
		s.mu.Lock()
		if len(s.running) >= s.maxWorkers {
			s.mu.Unlock()
			break
		}
		if s.branchBusyLocked(job.BranchID) {
			s.mu.Unlock()
			continue
		}

		jobCtx, cancel := context.WithCancel(context.Background())
		entry := &runningJob{cancel: cancel, branchID: job.BranchID, done: make(chan struct{})}
		s.running[job.ID] = entry
		s.mu.Unlock()

		if _, err := s.repo.MarkRunning(ctx, job.ID); err != nil {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
			cancel()
			slog.Error("failed to mark job running", "job_id", job.ID, "error", err)
			continue
		}

		if s.metrics != nil {
			s.metrics.IncJobsStarted(string(job.Type))
		}

		go s.runJob(jobCtx, job, entry)
	}
	return nil
}

// branchBusyLocked reports whether a running job already occupies job's
// branch. Callers must hold s.mu.
func (s *Scheduler) branchBusyLocked(branchID string) bool {
	for _, entry := range s.running {
		if entry.branchID == branchID {
			return true
		}
	}
	return false
}

// runJob executes one job's body to completion, then settles its terminal
// status and removes it from the running set.
func (s *Scheduler) runJob(ctx context.Context, job *store.Job, entry *runningJob) {
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
		close(entry.done)
	}()

	progress := jobruntime.NewProgressReporter(s.repo, job.ID)
	runErr := func() (err error) {
		// A panicking body is settled like one that returned an error.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job body panicked: %v", r)
			}
		}()
		return s.dispatcher.Run(ctx, job, progress)
	}()

	bg := context.Background()
	switch {
	case runErr == nil:
		// Re-read first: a kill that landed while the body was finishing has
		// already written a terminal status, and terminal statuses stand.
		current, err := s.repo.GetJob(bg, job.ID)
		if err != nil {
			slog.Error("failed to re-read finished job", "job_id", job.ID, "error", err)
			return
		}
		if current == nil || current.Status != store.JobStatusRunning {
			return
		}
		if _, err := s.repo.MarkSucceeded(bg, job.ID); err != nil {
			slog.Error("failed to mark job succeeded", "job_id", job.ID, "error", err)
			return
		}
		if s.metrics != nil {
			s.metrics.IncJobsSucceeded(string(job.Type))
		}
	case ctx.Err() != nil:
		// Cancelled externally: re-read before writing a terminal status so
		// a late body write never clobbers an already-CANCELLED row.
		current, err := s.repo.GetJob(bg, job.ID)
		if err != nil {
			slog.Error("failed to re-read cancelled job", "job_id", job.ID, "error", err)
			return
		}
		if current != nil && !current.Status.IsTerminal() {
			if _, err := s.repo.MarkCancelled(bg, job.ID); err != nil {
				slog.Error("failed to mark job cancelled", "job_id", job.ID, "error", err)
			}
		}
		if s.metrics != nil {
			s.metrics.IncJobsCancelled(string(job.Type))
		}
	default:
		if _, err := s.repo.MarkFailed(bg, job.ID); err != nil {
			slog.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		}
		slog.Warn("job body failed", "job_id", job.ID, "error", runErr)
		if s.metrics != nil {
			s.metrics.IncJobsFailed(string(job.Type))
		}
	}
}

// Kill cancels job's in-memory task handle (if any is running), flips its
// persisted row to CANCELLED (a no-op if it is already terminal), and
// cascades to its successors. Returns whether a live task handle was
// actually cancelled.
func (s *Scheduler) Kill(ctx context.Context, jobID string) (killedRunningTask bool, err error) {
	if _, err := s.repo.MarkCancelled(ctx, jobID); err != nil {
		return false, err
	}

	s.mu.Lock()
	entry, ok := s.running[jobID]
	if ok {
		entry.cancel()
	}
	s.mu.Unlock()

	if _, err := s.repo.CascadeCancel(ctx); err != nil {
		return ok, err
	}
	return ok, nil
}
