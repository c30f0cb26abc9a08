// Package pipeline implements the document state machine: the stage
// transition rules, the per-chapter fan-out, and the count-based fan-in that
// triggers finalization. Every handler is safe to execute zero, one, or many
// times with the same input; correctness never depends on delivery order,
// on a distributed lock, or on any in-process cache surviving a restart.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Lllllllleong/paperflow/internal/apperr"
	"github.com/Lllllllleong/paperflow/internal/models"
	"github.com/Lllllllleong/paperflow/internal/queue"
)

// Config tunes the stage handlers.
type Config struct {
	// InlineTextLimit is the assembled-text size in bytes above which the
	// final translation is externalized to blob storage instead of stored
	// inline. The default stays under the record store's 1 MiB document cap.
	InlineTextLimit int
	// CompletionCheckDelay spaces the watchdog sweeps.
	CompletionCheckDelay time.Duration
	// MaxCompletionSweeps bounds the watchdog; after that many sweeps the
	// document is left for manual remediation.
	MaxCompletionSweeps int
	// InvokeRetries is the bounded-attempt budget per AI call.
	InvokeRetries int
}

func (c Config) withDefaults() Config {
	if c.InlineTextLimit <= 0 {
		c.InlineTextLimit = 900_000
	}
	if c.CompletionCheckDelay <= 0 {
		c.CompletionCheckDelay = 10 * time.Minute
	}
	if c.MaxCompletionSweeps <= 0 {
		c.MaxCompletionSweeps = 12
	}
	if c.InvokeRetries <= 0 {
		c.InvokeRetries = 3
	}
	return c
}

// Stages holds the dependencies of all task handlers.
type Stages struct {
	store     RecordStore
	blobs     BlobStore
	ai        Invoker
	queue     queue.Enqueuer
	telemetry Telemetry
	related   RelatedFinder
	validator SourceValidator
	config    Config
}

// NewStages wires the stage handlers. related and validator may be nil;
// the related-papers stage then no-ops and source validation is skipped.
func NewStages(store RecordStore, blobs BlobStore, ai Invoker, q queue.Enqueuer, telemetry Telemetry, related RelatedFinder, validator SourceValidator, config Config) *Stages {
	return &Stages{
		store:     store,
		blobs:     blobs,
		ai:        ai,
		queue:     q,
		telemetry: telemetry,
		related:   related,
		validator: validator,
		config:    config.withDefaults(),
	}
}

// Handle routes a task payload to its stage handler and maps the outcome to
// exactly one terminal action: success, retryable failure (error returned,
// queue redelivers), request rejection (validation kinds returned, queue
// drops), or pipeline failure (record moved to the error status, task
// acknowledged so the queue stops).
func (s *Stages) Handle(ctx context.Context, p *models.TaskPayload) error {
	if p == nil || p.DocumentID == "" {
		return apperr.Errorf(apperr.Validation, "pipeline.Handle", "task payload missing document identity")
	}
	if !p.Operation.Valid() {
		return apperr.Errorf(apperr.Validation, "pipeline.Handle", "unknown operation %q", p.Operation)
	}

	logCtx := slog.With("documentId", p.DocumentID, "operation", string(p.Operation))
	sessionID := s.telemetry.Begin(p.DocumentID, string(p.Operation))

	started := time.Now()
	err := s.dispatch(ctx, logCtx, p)
	s.telemetry.RecordStep(p.DocumentID, sessionID, "handler", "", time.Since(started))
	s.telemetry.End(ctx, p.DocumentID, sessionID, err == nil, errDetail(err))

	if err == nil {
		return nil
	}

	switch apperr.KindOf(err) {
	case apperr.UpstreamTransient:
		// Bounded retries inside the adapter are exhausted; hand the failure
		// back to the queue's retry policy.
		logCtx.Warn("Stage failed transiently; leaving retry to the queue.", "error", err)
		return err
	case apperr.Validation, apperr.Authentication, apperr.NotFound:
		logCtx.Error("Stage rejected its input.", "error", err)
		return err
	default:
		// Decode, infrastructure and unclassified failures are unrecoverable
		// for this document: record the failure and stop the retry loop.
		logCtx.Error("Stage failed terminally; moving pipeline to error state.", "error", err)
		if setErr := s.store.SetError(ctx, p.DocumentID, err.Error()); setErr != nil {
			logCtx.Error("CRITICAL: failed to persist error status after a processing failure.", "updateError", setErr)
			return setErr
		}
		return nil
	}
}

func (s *Stages) dispatch(ctx context.Context, logCtx *slog.Logger, p *models.TaskPayload) error {
	switch p.Operation {
	case models.OpExtractMetadata:
		return s.handleExtractMetadata(ctx, logCtx, p)
	case models.OpTranslate:
		return s.handleTranslate(ctx, logCtx, p)
	case models.OpSummarize:
		return s.handleSummarize(ctx, logCtx, p)
	case models.OpFinalize:
		return s.handleFinalize(ctx, logCtx, p)
	case models.OpCompletionCheck:
		return s.handleCompletionCheck(ctx, logCtx, p)
	case models.OpRelatedPapers:
		return s.handleRelatedPapers(ctx, logCtx, p)
	}
	return apperr.Errorf(apperr.Validation, "pipeline.dispatch", "unknown operation %q", p.Operation)
}

// invokeWithContext calls the AI backend on the document's conversation
// context, re-opening it once when this process instance does not hold it.
func (s *Stages) invokeWithContext(ctx context.Context, rec *models.PaperRecord, prompt string, temperature float32) (string, error) {
	raw, err := s.ai.Invoke(ctx, rec.ID, prompt, temperature, s.config.InvokeRetries)
	if apperr.IsKind(err, apperr.NotFound) {
		if _, openErr := s.ai.OpenContext(ctx, rec.ID, rec.SourceGCSUri); openErr != nil {
			return "", openErr
		}
		raw, err = s.ai.Invoke(ctx, rec.ID, prompt, temperature, s.config.InvokeRetries)
	}
	return raw, err
}

func (s *Stages) enqueue(ctx context.Context, op models.Operation, rec *models.PaperRecord, chapter *models.ChapterSpec, params map[string]string, name string, delay time.Duration, policy queue.RetryPolicy) error {
	_, err := s.queue.Enqueue(ctx, queue.Task{
		Payload: models.TaskPayload{
			Operation:    op,
			DocumentID:   rec.ID,
			SourceGCSUri: rec.SourceGCSUri,
			AIContextID:  rec.AIContextID,
			Chapter:      chapter,
			Params:       params,
		},
		Name:   name,
		Delay:  delay,
		Policy: policy,
	})
	return err
}

func (s *Stages) sweepCount(p *models.TaskPayload) int {
	if p.Params == nil {
		return 0
	}
	n, err := strconv.Atoi(p.Params["sweep"])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func chapterLabel(ch *models.ChapterSpec) string {
	if ch == nil {
		return "?"
	}
	return fmt.Sprintf("%d (%s)", ch.Number, ch.Title)
}
