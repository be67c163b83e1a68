// Package search implements the job engine: job lifecycle management, the
// bounded fetch-and-match pipeline, and query scoring over the shared
// content cache.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/photofind/internal/domain/search"
	"github.com/ahrav/photofind/pkg/common/logger"
)

// ProviderFactory resolves a folder link into a provider adapter. It fails
// with search.ErrUnsupportedProvider or search.ErrInvalidInput before any
// network call when the link is not recognized.
type ProviderFactory func(folderLink string) (search.Provider, error)

// ManagerConfig bounds the manager's aggregate resource use.
type ManagerConfig struct {
	// MaxJobsPerOwner caps an owner's concurrently active jobs.
	MaxJobsPerOwner int

	// Retention is how long a terminal job stays visible to status polls
	// before the sweeper removes it.
	Retention time.Duration
}

// jobHandle pairs a job with its run context. The mutex is the per-job
// synchronization discipline: every mutation and every snapshot read holds
// it, so pollers never observe a torn update.
type jobHandle struct {
	mu     sync.Mutex
	job    *search.Job
	cancel context.CancelFunc
}

// JobManager owns every job's lifecycle. It is the only component the front
// door talks to: creation, status polling, cancellation and retention all
// go through it. Job state never leaves as a live reference, only as
// snapshots.
type JobManager struct {
	cfg         ManagerConfig
	newProvider ProviderFactory
	pipeline    *FetchPipeline

	mu   sync.RWMutex
	jobs map[uuid.UUID]*jobHandle

	logger *logger.Logger
	tracer trace.Tracer
}

// NewJobManager assembles the manager over a provider factory and a
// pipeline.
func NewJobManager(
	cfg ManagerConfig,
	newProvider ProviderFactory,
	pipeline *FetchPipeline,
	logger *logger.Logger,
	tracer trace.Tracer,
) *JobManager {
	if cfg.MaxJobsPerOwner <= 0 {
		cfg.MaxJobsPerOwner = 3
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	return &JobManager{
		cfg:         cfg,
		newProvider: newProvider,
		pipeline:    pipeline,
		jobs:        make(map[uuid.UUID]*jobHandle),
		logger:      logger.With("component", "job_manager"),
		tracer:      tracer,
	}
}

// CreateJob validates the request, registers a queued job and starts its
// asynchronous execution. It returns the job ID immediately; progress is
// observed through GetStatus.
func (m *JobManager) CreateJob(ctx context.Context, ownerToken, folderLink string, query search.Query) (uuid.UUID, error) {
	ctx, span := m.tracer.Start(ctx, "job_manager.create_job")
	defer span.End()

	if ownerToken == "" {
		span.SetStatus(codes.Error, "missing owner token")
		return uuid.Nil, fmt.Errorf("%w: missing owner token", search.ErrInvalidInput)
	}
	if err := query.Validate(); err != nil {
		span.RecordError(err)
		return uuid.Nil, err
	}

	// Classification happens once, before any network call. An unrecognized
	// link never enters the pipeline.
	provider, err := m.newProvider(folderLink)
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, err
	}

	jobID := uuid.New()
	job, err := search.NewJob(jobID, ownerToken, folderLink, query)
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, err
	}
	span.SetAttributes(attribute.String("job_id", jobID.String()))

	// The run context is detached from the request: the job outlives the
	// HTTP call that created it.
	runCtx, cancel := context.WithCancel(context.Background())
	handle := &jobHandle{job: job, cancel: cancel}

	m.mu.Lock()
	if active := m.activeJobsLocked(ownerToken); active >= m.cfg.MaxJobsPerOwner {
		m.mu.Unlock()
		cancel()
		span.SetStatus(codes.Error, "owner job limit reached")
		return uuid.Nil, fmt.Errorf("%w: %d active", search.ErrOwnerJobLimit, active)
	}
	m.jobs[jobID] = handle
	m.mu.Unlock()

	m.logger.Info(ctx, "job created", "job_id", jobID, "query_mode", query.Mode())
	go m.executeJob(runCtx, handle, provider)

	return jobID, nil
}

// GetStatus returns a consistent point-in-time snapshot of the job. Jobs
// are never visible cross-session: a mismatched owner token fails with
// ErrForbidden even for a correct job ID.
func (m *JobManager) GetStatus(ctx context.Context, jobID uuid.UUID, ownerToken string) (search.Snapshot, error) {
	_, span := m.tracer.Start(ctx, "job_manager.get_status",
		trace.WithAttributes(attribute.String("job_id", jobID.String())),
	)
	defer span.End()

	handle, err := m.ownedHandle(jobID, ownerToken)
	if err != nil {
		span.RecordError(err)
		return search.Snapshot{}, err
	}

	handle.mu.Lock()
	snapshot := handle.job.Snapshot()
	handle.mu.Unlock()
	return snapshot, nil
}

// CancelJob requests cooperative cancellation. It is idempotent: a second
// call, or a call on an already-terminal job, is a no-op. In-flight fetches
// finish or time out before the pipeline drains.
func (m *JobManager) CancelJob(ctx context.Context, jobID uuid.UUID, ownerToken string) error {
	ctx, span := m.tracer.Start(ctx, "job_manager.cancel_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())),
	)
	defer span.End()

	handle, err := m.ownedHandle(jobID, ownerToken)
	if err != nil {
		span.RecordError(err)
		return err
	}

	handle.mu.Lock()
	if handle.job.Status().IsTerminal() {
		handle.mu.Unlock()
		span.AddEvent("already_terminal")
		return nil
	}
	if err := handle.job.Fail(search.ErrMsgCancelled); err != nil {
		handle.mu.Unlock()
		span.RecordError(err)
		return err
	}
	handle.mu.Unlock()

	handle.cancel()
	m.logger.Info(ctx, "job cancelled", "job_id", jobID)
	return nil
}

// ownedHandle looks up the job and enforces the owner check.
func (m *JobManager) ownedHandle(jobID uuid.UUID, ownerToken string) (*jobHandle, error) {
	m.mu.RLock()
	handle, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return nil, search.ErrJobNotFound
	}
	if handle.job.OwnerToken() != ownerToken {
		return nil, search.ErrForbidden
	}
	return handle, nil
}

// activeJobsLocked counts the owner's non-terminal jobs. Caller holds m.mu.
func (m *JobManager) activeJobsLocked(ownerToken string) int {
	var active int
	for _, handle := range m.jobs {
		if handle.job.OwnerToken() != ownerToken {
			continue
		}
		handle.mu.Lock()
		if !handle.job.Status().IsTerminal() {
			active++
		}
		handle.mu.Unlock()
	}
	return active
}

// executeJob drives one job from listing through the pipeline to a terminal
// state. Raw provider errors never reach the job's error field, only the
// pre-sanitized messages.
func (m *JobManager) executeJob(ctx context.Context, handle *jobHandle, provider search.Provider) {
	jobID := handle.job.ID()
	logger := m.logger.With("job_id", jobID)
	ctx, span := m.tracer.Start(ctx, "job_manager.execute_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())),
	)
	defer span.End()

	handle.mu.Lock()
	if err := handle.job.BeginListing(); err != nil {
		// Cancelled before execution started.
		handle.mu.Unlock()
		span.AddEvent("cancelled_before_listing")
		return
	}
	handle.mu.Unlock()

	items, err := provider.List(ctx)
	if err != nil {
		logger.Error(ctx, "folder listing failed", "error", err)
		span.RecordError(err)
		m.failJob(handle, listingFailureMessage(err))
		return
	}
	span.SetAttributes(attribute.Int("item_count", len(items)))

	handle.mu.Lock()
	if err := handle.job.CompleteListing(len(items)); err != nil {
		handle.mu.Unlock()
		span.AddEvent("cancelled_during_listing")
		return
	}
	handle.mu.Unlock()

	report := func(outcome ItemOutcome) {
		handle.mu.Lock()
		defer handle.mu.Unlock()
		if handle.job.Status() != search.JobStatusProcessing {
			return
		}
		if err := handle.job.RecordProcessed(outcome.Match); err != nil {
			logger.Warn(ctx, "dropping outcome", "source_id", outcome.Item.SourceID, "error", err)
		}
	}

	if err := m.pipeline.Run(ctx, provider, items, handle.job.Query(), report); err != nil {
		// Cancellation already moved the job to its terminal state, so the
		// fail below is a no-op for it. An auth-expired abort surfaces with
		// its own sanitized message; anything else is unexpected.
		logger.Error(ctx, "pipeline aborted", "error", err)
		span.RecordError(err)
		msg := search.ErrMsgInternalError
		if isAuthExpired(err) {
			msg = search.ErrMsgAuthExpired
		}
		m.failJob(handle, msg)
		return
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.job.Status() != search.JobStatusProcessing {
		return
	}
	if err := handle.job.Complete(); err != nil {
		logger.Error(ctx, "failed to complete job", "error", err)
		span.RecordError(err)
		if failErr := handle.job.Fail(search.ErrMsgInternalError); failErr != nil {
			logger.Error(ctx, "failed to fail job", "error", failErr)
		}
		return
	}
	logger.Info(ctx, "job completed", "matches", len(handle.job.Snapshot().Matches))
}

// failJob moves a still-running job to error. A no-op when the job already
// reached a terminal state, so it never races with cancellation.
func (m *JobManager) failJob(handle *jobHandle, msg string) {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.job.Status().IsTerminal() {
		return
	}
	if err := handle.job.Fail(msg); err != nil {
		m.logger.Error(context.Background(), "failed to fail job", "job_id", handle.job.ID(), "error", err)
	}
}

// listingFailureMessage maps a listing failure to its human-safe message.
// Credential detail never leaks into the job's error field.
func listingFailureMessage(err error) string {
	var listingErr *search.ListingError
	if errors.As(err, &listingErr) && listingErr.AuthFailure {
		return search.ErrMsgAuthExpired
	}
	return search.ErrMsgListingFailed
}

// SweepExpired removes terminal jobs whose retention window has elapsed and
// returns how many were removed.
func (m *JobManager) SweepExpired(ctx context.Context) int {
	_, span := m.tracer.Start(ctx, "job_manager.sweep_expired")
	defer span.End()

	cutoff := time.Now().Add(-m.cfg.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int
	for id, handle := range m.jobs {
		handle.mu.Lock()
		expired := handle.job.Status().IsTerminal() &&
			handle.job.Timeline().IsCompleted() &&
			handle.job.Timeline().CompletedAt().Before(cutoff)
		handle.mu.Unlock()
		if expired {
			delete(m.jobs, id)
			removed++
		}
	}
	span.SetAttributes(attribute.Int("removed", removed))
	return removed
}

// RunRetentionSweeper periodically sweeps expired jobs until the context is
// cancelled. Intended to run as a background goroutine from main.
func (m *JobManager) RunRetentionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := m.SweepExpired(ctx); removed > 0 {
				m.logger.Debug(ctx, "swept expired jobs", "removed", removed)
			}
		}
	}
}
