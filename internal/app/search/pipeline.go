package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/photofind/internal/domain/search"
	"github.com/ahrav/photofind/pkg/common/logger"
)

// PipelineConfig bounds one job's pipeline run.
type PipelineConfig struct {
	// Workers is the number of concurrent fetch-and-match workers per job.
	Workers int

	// FetchTimeout bounds a single fetch attempt. It also bounds the
	// cancellation latency: a cancelled job drains once in-flight fetches
	// finish or time out.
	FetchTimeout time.Duration

	// FetchRetries is the retry budget for transient fetch failures.
	FetchRetries uint64
}

// ItemOutcome is one item's result, reported in completion order. Match is
// nil for an unmatched item; Err carries an absorbed per-item failure for
// logging only and never fails the job.
type ItemOutcome struct {
	Item  search.Item
	Match *search.Match
	Err   error
}

// FetchPipeline runs one job's listing through a bounded worker pool:
// fetch bytes, hash them, score against the query via the shared cache, and
// report each outcome as soon as it is ready. A pipeline instance is
// stateless and shared across jobs; Run carries all per-job inputs.
type FetchPipeline struct {
	cfg    PipelineConfig
	scorer *MatchScorer

	logger *logger.Logger
	tracer trace.Tracer
}

// NewFetchPipeline builds a pipeline over the given scorer.
func NewFetchPipeline(cfg PipelineConfig, scorer *MatchScorer, logger *logger.Logger, tracer trace.Tracer) *FetchPipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &FetchPipeline{
		cfg:    cfg,
		scorer: scorer,
		logger: logger.With("component", "fetch_pipeline"),
		tracer: tracer,
	}
}

// Run processes every item and invokes report once per completed item, from
// a single goroutine, in completion order. On cancellation no new items are
// scheduled, in-flight workers finish their current item, and Run returns
// the context error after the pool drains. An auth-expired fetch failure
// aborts the run the same way and is returned so the caller can fail the
// job; other per-item failures are absorbed.
func (p *FetchPipeline) Run(
	ctx context.Context,
	provider search.Provider,
	items []search.Item,
	query search.Query,
	report func(ItemOutcome),
) error {
	ctx, span := p.tracer.Start(ctx, "fetch_pipeline.run",
		trace.WithAttributes(
			attribute.Int("item_count", len(items)),
			attribute.Int("workers", p.cfg.Workers),
		),
	)
	defer span.End()

	outcomes := make(chan ItemOutcome)

	var groupErr error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	go func() {
		defer close(outcomes)
		for _, item := range items {
			if gctx.Err() != nil {
				break
			}
			item := item
			g.Go(func() error {
				outcome := p.processItem(gctx, provider, item, query)
				// Expired credentials doom every remaining fetch; abort the
				// whole run instead of grinding through unmatched items.
				if isAuthExpired(outcome.Err) {
					return outcome.Err
				}
				outcomes <- outcome
				return nil
			})
		}
		groupErr = g.Wait()
	}()

	for outcome := range outcomes {
		if outcome.Err != nil {
			p.logger.Warn(ctx, "item processing failed, recorded as unmatched",
				"source_id", outcome.Item.SourceID, "error", outcome.Err)
		}
		report(outcome)
	}

	if groupErr != nil {
		span.RecordError(groupErr)
		return groupErr
	}
	if err := ctx.Err(); err != nil {
		span.AddEvent("pipeline_cancelled")
		return err
	}
	return nil
}

// isAuthExpired reports whether a per-item failure carries an
// auth-expired fetch classification.
func isAuthExpired(err error) bool {
	var fetchErr *search.FetchError
	return errors.As(err, &fetchErr) && fetchErr.AuthExpired()
}

// processItem fetches, hashes and scores one item. Failures are absorbed
// into the outcome; the item counts as processed either way.
func (p *FetchPipeline) processItem(
	ctx context.Context,
	provider search.Provider,
	item search.Item,
	query search.Query,
) ItemOutcome {
	data, err := p.fetchWithRetry(ctx, provider, item)
	if err != nil {
		return ItemOutcome{Item: item, Err: err}
	}

	// The hash is of content, not provider metadata, so identical bytes hit
	// the same cache entry regardless of folder or provider.
	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	matched, score, err := p.scorer.Score(ctx, contentHash, data, query)
	if err != nil {
		return ItemOutcome{Item: item, Err: err}
	}
	if !matched {
		return ItemOutcome{Item: item}
	}
	return ItemOutcome{Item: item, Match: &search.Match{
		SourceID:     item.SourceID,
		Name:         item.Name,
		ThumbnailURL: item.ThumbnailURL,
		DownloadURL:  item.DownloadURL,
		Score:        score,
	}}
}

// fetchWithRetry fetches one item's bytes, retrying transient failures up
// to the configured budget. Permanent failures and exhausted budgets both
// surface as errors; the caller records the item as unmatched.
func (p *FetchPipeline) fetchWithRetry(ctx context.Context, provider search.Provider, item search.Item) ([]byte, error) {
	var data []byte

	operation := func() error {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()

		var err error
		data, err = provider.Fetch(fetchCtx, item)
		if err == nil {
			return nil
		}

		var fetchErr *search.FetchError
		if errors.As(err, &fetchErr) && !fetchErr.Transient {
			return backoff.Permanent(err)
		}
		return err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, p.cfg.FetchRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return data, nil
}
