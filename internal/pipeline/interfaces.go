package pipeline

import (
	"context"
	"time"

	"github.com/Lllllllleong/paperflow/internal/models"
)

// RecordStore is the single source of truth for pipeline state. Every write
// is either an upsert keyed by a stable identity or an append whose
// duplication is explicitly tolerated, so stage handlers stay safe under
// at-least-once task delivery.
type RecordStore interface {
	// CreateRecord persists a new record. Creating an already-existing record
	// is a no-op success so a redelivered upload event stays idempotent.
	CreateRecord(ctx context.Context, rec *models.PaperRecord) error
	GetRecord(ctx context.Context, id string) (*models.PaperRecord, error)

	// SaveExtraction persists metadata, the chapter manifest and the page
	// count, and advances the status to metadata_extracted, in one write.
	// Fan-out must only happen after this returns.
	SaveExtraction(ctx context.Context, id string, meta *models.PaperMetadata, chapters []models.ChapterSpec, pageCount int) error

	// UpsertChapterResult overwrites the result keyed by chapter number. A
	// redelivered translate task must never create a duplicate.
	UpsertChapterResult(ctx context.Context, id string, result models.ChapterResult) error
	// ListChapterResults returns results ordered by ascending chapter number.
	ListChapterResults(ctx context.Context, id string) ([]models.ChapterResult, error)
	CountChapterResults(ctx context.Context, id string) (int, error)

	// AppendSummary appends a fragment to the accumulated summary. Duplicate
	// appends on redelivery are an accepted data-quality tradeoff; the
	// completion check is keyed on chapter-result count, never on this field.
	AppendSummary(ctx context.Context, id, fragment string) error

	// SaveFinalInline and SaveFinalPointer are mutually exclusive: each
	// clears the other's field.
	SaveFinalInline(ctx context.Context, id, text string) error
	SaveFinalPointer(ctx context.Context, id, gcsURI string) error

	SetAIContextID(ctx context.Context, id, contextID string) error
	SetRelatedPapers(ctx context.Context, id string, papers []models.RelatedPaper) error
	SetCompleted(ctx context.Context, id string, at time.Time) error
	SetError(ctx context.Context, id, details string) error
}

// BlobStore abstracts the bucket operations the pipeline needs.
type BlobStore interface {
	Download(ctx context.Context, gcsURI, destPath string) error
	// UploadText writes content under objectName in the translated-text
	// bucket and returns the gs:// URI. Re-uploading the same object is a
	// no-op success so finalization can run more than once.
	UploadText(ctx context.Context, objectName, content string) (string, error)
}

// Invoker is the AI invocation adapter surface the stages depend on.
type Invoker interface {
	OpenContext(ctx context.Context, documentID, sourceGCSUri string) (string, error)
	CloseContext(documentID string) bool
	Invoke(ctx context.Context, documentID, prompt string, temperature float32, maxRetries int) (string, error)
}

// Telemetry records processing-time sessions. Implementations must never
// fail the calling stage.
type Telemetry interface {
	Begin(documentID, stage string) string
	RecordStep(documentID, sessionID, step, detail string, duration time.Duration)
	End(ctx context.Context, documentID, sessionID string, success bool, errMsg string) time.Duration
}

// RelatedFinder is the external related-papers collaborator. Lookups are
// best-effort enrichment; failures never affect pipeline status.
type RelatedFinder interface {
	FindRelated(ctx context.Context, meta *models.PaperMetadata) ([]models.RelatedPaper, error)
}

// SourceValidator checks a downloaded source document and reports its page
// count.
type SourceValidator interface {
	ValidateAndCount(localPath string) (int, error)
}
