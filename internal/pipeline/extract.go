package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/paperflow/internal/apperr"
	"github.com/Lllllllleong/paperflow/internal/gcp"
	"github.com/Lllllllleong/paperflow/internal/models"
	"github.com/Lllllllleong/paperflow/internal/queue"
	"github.com/Lllllllleong/paperflow/internal/repair"
)

// Generation temperatures per stage. Extraction wants determinism, prose
// stages get some latitude.
const (
	temperatureExtract   = 0.1
	temperatureTranslate = 0.3
	temperatureSummarize = 0.4
)

// handleExtractMetadata runs the first pipeline stage: validate the source,
// open the AI conversation context, extract metadata and the chapter
// manifest, persist them, and only then fan out one translate task per
// chapter. The persist-before-fan-out ordering is what makes a crash between
// the two steps recoverable: a redelivery finds the manifest already saved
// and simply re-enqueues the (deduplicated) chapter tasks.
func (s *Stages) handleExtractMetadata(ctx context.Context, logCtx *slog.Logger, p *models.TaskPayload) error {
	const op = "pipeline.handleExtractMetadata"

	rec, err := s.store.GetRecord(ctx, p.DocumentID)
	if err != nil {
		return err
	}
	if models.IsTerminalStatus(rec.Status) {
		logCtx.Info("Record already terminal, nothing to do.", "status", rec.Status)
		return nil
	}
	if rec.Status == models.StatusMetadataExtracted {
		// A previous attempt persisted the extraction but may have died before
		// or during fan-out. Re-issue the chapter tasks; dedup absorbs the ones
		// that already exist.
		logCtx.Info("Extraction already persisted, re-issuing fan-out.")
		return s.fanOutChapters(ctx, logCtx, rec)
	}

	pageCount, err := s.validateSource(ctx, logCtx, rec)
	if err != nil {
		return err
	}

	contextID, err := s.ai.OpenContext(ctx, rec.ID, rec.SourceGCSUri)
	if err != nil {
		return err
	}
	if rec.AIContextID != contextID {
		if err := s.store.SetAIContextID(ctx, rec.ID, contextID); err != nil {
			return err
		}
		rec.AIContextID = contextID
	}

	raw, err := s.invokeWithContext(ctx, rec, gcp.ExtractMetadataPrompt, temperatureExtract)
	if err != nil {
		return err
	}

	meta, chapters, err := repair.ParseMetadata(raw)
	if err != nil {
		// Unparseable even after the salvage cascade. Retrying the same
		// conversation tends to reproduce the same malformed answer, so this
		// fails the document rather than burning retries.
		return apperr.E(apperr.Decode, op, fmt.Errorf("metadata response unusable: %w", err))
	}
	chapters = clampChapterPages(chapters, pageCount)

	if err := s.store.SaveExtraction(ctx, rec.ID, meta, chapters, pageCount); err != nil {
		return err
	}
	rec.Chapters = chapters
	logCtx.Info("Extraction persisted.", "chapters", len(chapters), "pageCount", pageCount, "title", meta.Title)

	return s.fanOutChapters(ctx, logCtx, rec)
}

// validateSource downloads the PDF to scratch space and validates it when a
// validator is wired. Without one the stage proceeds with page count zero and
// the chapter manifest's own page numbers stand unclamped.
func (s *Stages) validateSource(ctx context.Context, logCtx *slog.Logger, rec *models.PaperRecord) (int, error) {
	if s.validator == nil {
		return 0, nil
	}

	tmpDir, err := os.MkdirTemp("", "paperflow-")
	if err != nil {
		return 0, apperr.E(apperr.Infrastructure, "pipeline.validateSource", fmt.Errorf("scratch dir: %w", err))
	}
	defer os.RemoveAll(tmpDir)

	localPath := filepath.Join(tmpDir, "source.pdf")
	if err := s.blobs.Download(ctx, rec.SourceGCSUri, localPath); err != nil {
		return 0, err
	}

	pageCount, err := s.validator.ValidateAndCount(localPath)
	if err != nil {
		return 0, err
	}
	logCtx.Info("Source PDF validated.", "pageCount", pageCount)
	return pageCount, nil
}

// clampChapterPages bounds manifest page ranges to the physical document.
// Model-reported page numbers drift on papers with cover sheets.
func clampChapterPages(chapters []models.ChapterSpec, pageCount int) []models.ChapterSpec {
	if pageCount <= 0 {
		return chapters
	}
	for i := range chapters {
		if chapters[i].StartPage < 1 {
			chapters[i].StartPage = 1
		}
		if chapters[i].StartPage > pageCount {
			chapters[i].StartPage = pageCount
		}
		if chapters[i].EndPage > pageCount {
			chapters[i].EndPage = pageCount
		}
		if chapters[i].EndPage < chapters[i].StartPage {
			chapters[i].EndPage = chapters[i].StartPage
		}
	}
	return chapters
}

// fanOutChapters enqueues one translate task per manifest chapter plus the
// best-effort related-papers task. Task names are deterministic, so running
// this twice cannot double-translate a chapter. A manifest with no chapters
// short-circuits straight to finalization.
func (s *Stages) fanOutChapters(ctx context.Context, logCtx *slog.Logger, rec *models.PaperRecord) error {
	if len(rec.Chapters) == 0 {
		logCtx.Warn("Manifest has no chapters, finalizing directly.")
		return s.finalize(ctx, logCtx, rec.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range rec.Chapters {
		chapter := rec.Chapters[i]
		g.Go(func() error {
			return s.enqueue(gctx, models.OpTranslate, rec, &chapter, nil,
				queue.TaskName(models.OpTranslate, rec.ID, chapter.Number), 0, queue.PolicyExpensive)
		})
	}
	g.Go(func() error {
		return s.enqueue(gctx, models.OpRelatedPapers, rec, nil, nil,
			queue.TaskName(models.OpRelatedPapers, rec.ID, -1), 0, queue.PolicyCheap)
	})
	if err := g.Wait(); err != nil {
		// Some chapter tasks may already be in flight; returning the error
		// retries this stage, and dedup keeps the survivors single.
		return err
	}

	logCtx.Info("Chapter fan-out complete.", "chapters", len(rec.Chapters))
	return nil
}

// handleRelatedPapers enriches the record with reading suggestions. Every
// failure here is absorbed: enrichment must never move a document to the
// error state or keep a retry loop alive.
func (s *Stages) handleRelatedPapers(ctx context.Context, logCtx *slog.Logger, p *models.TaskPayload) error {
	if s.related == nil {
		return nil
	}

	rec, err := s.store.GetRecord(ctx, p.DocumentID)
	if err != nil {
		logCtx.Warn("Skipping related-papers lookup, record unavailable.", "error", err)
		return nil
	}
	if rec.Status == models.StatusError || rec.Metadata == nil {
		return nil
	}

	papers, err := s.related.FindRelated(ctx, rec.Metadata)
	if err != nil {
		logCtx.Warn("Related-papers lookup failed, continuing without.", "error", err)
		return nil
	}
	if len(papers) == 0 {
		return nil
	}
	if err := s.store.SetRelatedPapers(ctx, rec.ID, papers); err != nil {
		logCtx.Warn("Failed to persist related papers, continuing without.", "error", err)
		return nil
	}
	logCtx.Info("Related papers saved.", "count", len(papers))
	return nil
}
