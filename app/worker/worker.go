package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/resfind/amrjobs/app/store"
)

// Store defines the job store operations the worker needs
type Store interface {
	Get(ctx context.Context, id string) (store.Job, error)
	List(ctx context.Context, statusFilter store.JobStatus, limit, offset int) ([]store.Job, error)
	UpdateStatus(ctx context.Context, id string, status store.JobStatus, opts ...store.UpdateOption) error
}

// Repeater retries a failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Notifier delivers terminal job notifications
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnError() bool
	IsOnCompletion() bool
}

// ConditionChecker gates prediction starts on system load
type ConditionChecker interface {
	Check() (bool, string)
}

// Pool consumes submitted job ids and runs predictions with bounded
// concurrency. Each job gets exactly one terminal status update: completed
// with result artifacts, or error with a message. Progress updates are
// monotonically non-decreasing.
type Pool struct {
	Store       Store
	Predictor   Predictor
	Concurrency int

	Repeater       Repeater         // optional, retries transient prediction failures
	Notifier       Notifier         // optional, terminal notifications
	Conditions     ConditionChecker // optional, defers starts while host is loaded
	GateRetryDelay time.Duration    // wait between condition checks, default 10s
	NotifyTimeout  time.Duration    // default 30s

	jobs     chan string
	jobsOnce sync.Once
}

// Submit queues a job id for execution. Returns false when the queue is full.
func (p *Pool) Submit(id string) bool {
	select {
	case p.ch() <- id:
		return true
	default:
		log.Printf("[WARN] job queue full, dropping job %s", id)
		return false
	}
}

func (p *Pool) ch() chan string {
	p.jobsOnce.Do(func() { p.jobs = make(chan string, 1000) })
	return p.jobs
}

// Do runs the blocking worker loop until ctx is cancelled. On start it
// recovers jobs interrupted by a previous run: submitted ones are re-queued,
// running ones are failed as there is no way to resume a half-done prediction.
func (p *Pool) Do(ctx context.Context) {
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if p.GateRetryDelay <= 0 {
		p.GateRetryDelay = 10 * time.Second
	}
	if p.NotifyTimeout <= 0 {
		p.NotifyTimeout = 30 * time.Second
	}

	p.requeueInterrupted(ctx)

	gr := syncs.NewSizedGroup(p.Concurrency, syncs.Context(ctx))
	for {
		select {
		case <-ctx.Done():
			gr.Wait()
			log.Print("[DEBUG] worker pool terminated")
			return
		case id := <-p.ch():
			gr.Go(func(ctx context.Context) { p.run(ctx, id) })
		}
	}
}

// requeueInterrupted recovers jobs a previous run left behind. Jobs still in
// running state belong to a process that died mid-prediction and can't be
// claimed again, they get failed with an explicit message. Jobs stuck in
// submitted state go back on the queue, oldest first.
func (p *Pool) requeueInterrupted(ctx context.Context) {
	running, err := p.Store.List(ctx, store.StatusRunning, 0, 0)
	if err != nil {
		log.Printf("[WARN] failed to list running jobs: %v", err)
	}
	for _, job := range running {
		if err := p.Store.UpdateStatus(ctx, job.ID, store.StatusError,
			store.WithError("interrupted by service restart")); err != nil {
			log.Printf("[WARN] failed to fail interrupted job %s: %v", job.ID, err)
			continue
		}
		log.Printf("[INFO] job %s (%s) was running at shutdown, marked failed", job.ID, job.Name)
	}

	jobs, err := p.Store.List(ctx, store.StatusSubmitted, 0, 0)
	if err != nil {
		log.Printf("[WARN] failed to list interrupted jobs: %v", err)
		return
	}
	if len(jobs) > 0 {
		log.Printf("[INFO] re-queueing %d interrupted jobs", len(jobs))
	}
	for i := len(jobs) - 1; i >= 0; i-- { // list is newest-first
		p.Submit(jobs[i].ID)
	}
}

// run executes a single job through its full lifecycle
func (p *Pool) run(ctx context.Context, id string) {
	job, err := p.Store.Get(ctx, id)
	if err != nil {
		log.Printf("[WARN] failed to load job %s: %v", id, err)
		return
	}
	if job.Status != store.StatusSubmitted {
		log.Printf("[DEBUG] job %s in %s state, nothing to run", id, job.Status)
		return
	}

	if !p.waitForConditions(ctx, id) {
		return // shutdown while waiting
	}

	if err := p.Store.UpdateStatus(ctx, id, store.StatusRunning, store.WithProgress(0)); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Printf("[DEBUG] job %s claimed elsewhere, skipping", id)
			return
		}
		log.Printf("[WARN] failed to start job %s: %v", id, err)
		return
	}
	log.Printf("[INFO] job %s (%s) started", id, job.Name)

	var res Result
	lastProgress := 0.0
	report := func(pr float64) {
		if pr <= lastProgress {
			return // predictor retries restart reporting from zero
		}
		lastProgress = pr
		if err := p.Store.UpdateStatus(ctx, id, store.StatusRunning, store.WithProgress(pr)); err != nil {
			log.Printf("[WARN] failed to report progress %.1f for job %s: %v", pr, id, err)
		}
	}

	predict := func() error {
		r, err := p.Predictor.Predict(ctx, job, report)
		if err != nil {
			return err
		}
		res = r
		return nil
	}

	var runErr error
	if p.Repeater != nil {
		runErr = p.Repeater.Do(ctx, predict)
	} else {
		runErr = predict()
	}

	// terminal update uses a detached context so shutdown still records the outcome
	updCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if runErr != nil {
		log.Printf("[WARN] job %s failed: %v", id, runErr)
		if err := p.Store.UpdateStatus(updCtx, id, store.StatusError, store.WithError(runErr.Error())); err != nil {
			log.Printf("[ERROR] failed to record failure for job %s: %v", id, err)
		}
		p.notify(updCtx, job, runErr)
		return
	}

	opts := []store.UpdateOption{store.WithResultFile(res.ResultFile)}
	if res.AggregatedResultFile != "" {
		opts = append(opts, store.WithAggregatedResultFile(res.AggregatedResultFile))
	}
	if err := p.Store.UpdateStatus(updCtx, id, store.StatusCompleted, opts...); err != nil {
		log.Printf("[ERROR] failed to record completion for job %s: %v", id, err)
		return
	}
	log.Printf("[INFO] job %s (%s) completed, result %s", id, job.Name, res.ResultFile)
	p.notify(updCtx, job, nil)
}

// waitForConditions blocks until the load gate opens or ctx is done
func (p *Pool) waitForConditions(ctx context.Context, id string) bool {
	if p.Conditions == nil {
		return true
	}
	for {
		ok, reason := p.Conditions.Check()
		if ok {
			return true
		}
		log.Printf("[INFO] job %s deferred: %s", id, reason)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.GateRetryDelay):
		}
	}
}

// notify sends a terminal notification when configured
func (p *Pool) notify(ctx context.Context, job store.Job, execErr error) {
	if p.Notifier == nil {
		return
	}
	if execErr != nil && !p.Notifier.IsOnError() {
		return
	}
	if execErr == nil && !p.Notifier.IsOnCompletion() {
		return
	}

	subj := fmt.Sprintf("job %q completed", job.Name)
	text := fmt.Sprintf("AMR prediction %s (%s) completed", job.ID, job.Name)
	if execErr != nil {
		subj = fmt.Sprintf("job %q failed", job.Name)
		text = fmt.Sprintf("AMR prediction %s (%s) failed: %v", job.ID, job.Name, execErr)
	}

	ctx, cancel := context.WithTimeout(ctx, p.NotifyTimeout)
	defer cancel()
	if err := p.Notifier.Send(ctx, subj, text); err != nil {
		log.Printf("[WARN] failed to notify for job %s: %v", job.ID, err)
	}
}
