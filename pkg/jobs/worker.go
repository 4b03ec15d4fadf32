package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/registry"
	"github.com/agentgate/agentgate/pkg/store"
)

// ErrDailyLimitReached gates enqueue when the owner has exhausted the
// per-day generation budget.
var ErrDailyLimitReached = errors.New("jobs: daily generation limit reached")

// Options configures the worker loop.
type Options struct {
	Interval   time.Duration // poll interval, default 5s
	Provider   string        // default generator provider recorded on jobs
	Model      string        // default model recorded on jobs
	DailyLimit int           // per-owner jobs per 24h, 0 disables the check
}

// Worker claims generation jobs from the store and runs them through the
// generator. The database arbitrates claims, so multiple workers across
// processes are safe.
type Worker struct {
	jobs     *store.JobStore
	adapters *store.AdapterStore
	profiles *store.ProfileStore
	registry *registry.Registry
	gen      Generator
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	tickMu    sync.Mutex // one tick at a time
	stopped   chan struct{}
	started   chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
}

func NewWorker(
	jobStore *store.JobStore,
	adapters *store.AdapterStore,
	profiles *store.ProfileStore,
	reg *registry.Registry,
	gen Generator,
	opts Options,
	logger *slog.Logger,
) *Worker {
	if gen == nil {
		gen = DescriptorGenerator{}
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		jobs:     jobStore,
		adapters: adapters,
		profiles: profiles,
		registry: reg,
		gen:      gen,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		stopped:  make(chan struct{}),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue creates a queued job after checking the owner's daily budget.
func (w *Worker) Enqueue(ctx context.Context, platform, docsURL, ownerKeyID string) (*store.GenerationJob, error) {
	if w.opts.DailyLimit > 0 {
		n, err := w.jobs.CountCreatedSince(ctx, ownerKeyID, w.now().Add(-24*time.Hour))
		if err != nil {
			return nil, err
		}
		if n >= w.opts.DailyLimit {
			return nil, ErrDailyLimitReached
		}
	}
	return w.jobs.Create(ctx, platform, docsURL, w.opts.Provider, w.opts.Model, ownerKeyID)
}

// Start launches the poll loop: an immediate tick, then one per interval.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() { close(w.started) })
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.opts.Interval)
		defer ticker.Stop()

		w.Tick(ctx)
		for {
			select {
			case <-w.stopped:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Tick(ctx)
			}
		}
	}()
}

// Stop halts new claims and waits for the in-flight tick to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopped) })
	select {
	case <-w.started:
		<-w.done
	default:
	}
}

// Tick drains the queue. Reentrant calls coalesce: a tick that arrives
// while one is running returns immediately.
func (w *Worker) Tick(ctx context.Context) {
	if !w.tickMu.TryLock() {
		return
	}
	defer w.tickMu.Unlock()

	for {
		select {
		case <-w.stopped:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.jobs.ClaimNext(ctx)
		if err != nil {
			w.logger.Error("job claim failed", "error", err)
			return
		}
		if job == nil {
			return
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *store.GenerationJob) {
	started := w.now()
	log := func(msg string) {
		if err := w.jobs.AppendLog(ctx, job.ID, msg); err != nil {
			w.logger.Warn("job log append failed", "job", job.ID, "error", err)
		}
	}

	if _, err := w.adapters.GetPublic(ctx, job.Platform); err == nil {
		w.fail(ctx, job, fmt.Sprintf("a public adapter for %s already exists", job.Platform))
		return
	} else if !errors.Is(err, store.ErrAdapterNotFound) {
		w.fail(ctx, job, err.Error())
		return
	}

	artifact, err := w.gen.Generate(ctx, job, log)
	if err != nil {
		w.fail(ctx, job, err.Error())
		return
	}

	rec, err := w.registry.UploadSandbox(ctx, job.OwnerKeyID, artifact.Descriptor)
	if err != nil {
		w.fail(ctx, job, fmt.Sprintf("sandbox install: %v", err))
		return
	}
	log("installed sandbox adapter at " + rec.FilePath)

	profilePath := ""
	if len(artifact.Profile) > 0 && w.profiles != nil {
		if err := w.profiles.Upsert(ctx, job.Platform, job.Platform, artifact.Profile); err != nil {
			w.logger.Warn("profile upsert failed", "job", job.ID, "error", err)
		} else {
			profilePath = "interaction_profiles/" + job.Platform
		}
	}

	result, err := json.Marshal(map[string]any{
		"adapterPath": rec.FilePath,
		"profilePath": profilePath,
		"attempts":    1,
		"runtime":     w.now().Sub(started).Milliseconds(),
	})
	if err != nil {
		w.fail(ctx, job, err.Error())
		return
	}
	if err := w.jobs.Complete(ctx, job.ID, result); err != nil {
		w.logger.Error("job completion failed", "job", job.ID, "error", err)
		return
	}
	w.logger.Info("generation job complete", "job", job.ID, "platform", job.Platform)
}

func (w *Worker) fail(ctx context.Context, job *store.GenerationJob, msg string) {
	if err := w.jobs.Fail(ctx, job.ID, msg); err != nil {
		w.logger.Error("job failure record failed", "job", job.ID, "error", err)
	}
	w.logger.Warn("generation job failed", "job", job.ID, "platform", job.Platform, "error", msg)
}
