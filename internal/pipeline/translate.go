package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/paperflow/internal/apperr"
	"github.com/Lllllllleong/paperflow/internal/gcp"
	"github.com/Lllllllleong/paperflow/internal/models"
	"github.com/Lllllllleong/paperflow/internal/queue"
	"github.com/Lllllllleong/paperflow/internal/repair"
)

// handleTranslate translates one chapter and upserts the result keyed by
// chapter number, then chains the summarize task for the same chapter. A
// redelivery re-translates and overwrites; it can never create a second
// result or double-count toward completion.
func (s *Stages) handleTranslate(ctx context.Context, logCtx *slog.Logger, p *models.TaskPayload) error {
	const op = "pipeline.handleTranslate"

	if p.Chapter == nil {
		return apperr.Errorf(apperr.Validation, op, "translate task without chapter")
	}
	logCtx = logCtx.With("chapter", chapterLabel(p.Chapter))

	rec, err := s.store.GetRecord(ctx, p.DocumentID)
	if err != nil {
		return err
	}
	if models.IsTerminalStatus(rec.Status) {
		logCtx.Info("Record already terminal, dropping chapter task.", "status", rec.Status)
		return nil
	}

	prompt := fmt.Sprintf(gcp.TranslateChapterPromptTemplate,
		p.Chapter.Number, p.Chapter.Title, p.Chapter.StartPage, p.Chapter.EndPage)
	raw, err := s.invokeWithContext(ctx, rec, prompt, temperatureTranslate)
	if err != nil {
		return err
	}

	parsed, err := repair.Parse(raw, models.OpTranslate)
	if err != nil {
		return apperr.E(apperr.Decode, op,
			fmt.Errorf("chapter %d response unusable: %w", p.Chapter.Number, err))
	}
	html := repair.Sanitize(repair.TranslatedText(parsed))

	result := models.ChapterResult{
		Number:         p.Chapter.Number,
		TranslatedText: html,
		UpdatedAt:      time.Now(),
	}
	if err := s.store.UpsertChapterResult(ctx, rec.ID, result); err != nil {
		return err
	}
	logCtx.Info("Chapter translated.", "htmlBytes", len(html))

	return s.enqueue(ctx, models.OpSummarize, rec, p.Chapter, nil,
		queue.TaskName(models.OpSummarize, rec.ID, p.Chapter.Number), 0, queue.PolicyExpensive)
}

// handleSummarize summarizes one chapter, appends the fragment to the
// record's running summary, and runs the completion check. The append is the
// one knowingly non-idempotent write in the pipeline: a redelivered summarize
// task duplicates its fragment. That is tolerated because completion is
// counted on chapter results, never on summary content.
func (s *Stages) handleSummarize(ctx context.Context, logCtx *slog.Logger, p *models.TaskPayload) error {
	const op = "pipeline.handleSummarize"

	if p.Chapter == nil {
		return apperr.Errorf(apperr.Validation, op, "summarize task without chapter")
	}
	logCtx = logCtx.With("chapter", chapterLabel(p.Chapter))

	rec, err := s.store.GetRecord(ctx, p.DocumentID)
	if err != nil {
		return err
	}
	if models.IsTerminalStatus(rec.Status) {
		logCtx.Info("Record already terminal, dropping chapter task.", "status", rec.Status)
		return nil
	}

	prompt := fmt.Sprintf(gcp.SummarizeChapterPromptTemplate, p.Chapter.Number, p.Chapter.Title)
	raw, err := s.invokeWithContext(ctx, rec, prompt, temperatureSummarize)
	if err != nil {
		return err
	}

	parsed, err := repair.Parse(raw, models.OpSummarize)
	if err != nil {
		return apperr.E(apperr.Decode, op,
			fmt.Errorf("chapter %d summary unusable: %w", p.Chapter.Number, err))
	}

	title := p.Chapter.TitleJa
	if title == "" {
		title = p.Chapter.Title
	}
	fragment := fmt.Sprintf("第%d章 %s: %s\n\n", p.Chapter.Number, title, repair.SummaryText(parsed))
	if err := s.store.AppendSummary(ctx, rec.ID, fragment); err != nil {
		return err
	}
	logCtx.Info("Chapter summarized.")

	return s.checkCompletion(ctx, logCtx, rec.ID)
}
