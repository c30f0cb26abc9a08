package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/paperflow/internal/apperr"
	"github.com/Lllllllleong/paperflow/internal/models"
	"github.com/Lllllllleong/paperflow/internal/queue"
)

// GCSEvent is the storage-notification payload delivered on object upload.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// Ingest turns upload events into pipeline documents.
type Ingest struct {
	store RecordStore
	queue queue.Enqueuer
	// CompletionCheckDelay schedules the first watchdog sweep.
	CompletionCheckDelay time.Duration
}

// NewIngest wires the ingest handler.
func NewIngest(store RecordStore, q queue.Enqueuer, completionCheckDelay time.Duration) *Ingest {
	if completionCheckDelay <= 0 {
		completionCheckDelay = 10 * time.Minute
	}
	return &Ingest{store: store, queue: q, CompletionCheckDelay: completionCheckDelay}
}

// DocumentID derives the document identity from the source object URI. The
// derivation is deterministic so a redelivered upload event maps to the same
// record instead of creating a sibling.
func DocumentID(gcsURI string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(gcsURI)).String()
}

// ProcessUpload creates the record and enqueues the extraction stage plus
// the first delayed completion sweep. Safe under event redelivery: record
// creation tolerates AlreadyExists and both tasks carry deterministic names.
func (i *Ingest) ProcessUpload(ctx context.Context, ev GCSEvent) error {
	const op = "pipeline.ProcessUpload"

	if ev.Bucket == "" || ev.Name == "" {
		return apperr.Errorf(apperr.Validation, op, "upload event missing bucket or object name")
	}
	if !strings.EqualFold(path.Ext(ev.Name), ".pdf") {
		slog.Info("Ignoring non-PDF upload.", "bucket", ev.Bucket, "object", ev.Name)
		return nil
	}

	gcsURI := fmt.Sprintf("gs://%s/%s", ev.Bucket, ev.Name)
	docID := DocumentID(gcsURI)
	logCtx := slog.With("documentId", docID, "sourceUri", gcsURI)

	rec := &models.PaperRecord{
		ID:               docID,
		SourceGCSUri:     gcsURI,
		OriginalFilename: path.Base(ev.Name),
		Status:           models.StatusPending,
		UploadedAt:       time.Now(),
	}
	if err := i.store.CreateRecord(ctx, rec); err != nil {
		return err
	}

	if _, err := i.queue.Enqueue(ctx, queue.Task{
		Payload: models.TaskPayload{
			Operation:    models.OpExtractMetadata,
			DocumentID:   docID,
			SourceGCSUri: gcsURI,
		},
		Name:   queue.TaskName(models.OpExtractMetadata, docID, -1),
		Policy: queue.PolicyExpensive,
	}); err != nil {
		return err
	}

	if _, err := i.queue.Enqueue(ctx, queue.Task{
		Payload: models.TaskPayload{
			Operation:    models.OpCompletionCheck,
			DocumentID:   docID,
			SourceGCSUri: gcsURI,
			Params:       map[string]string{"sweep": strconv.Itoa(0)},
		},
		Name:   queue.TaskName(models.OpCompletionCheck, docID, 0),
		Delay:  i.CompletionCheckDelay,
		Policy: queue.PolicyCheap,
	}); err != nil {
		return err
	}

	logCtx.Info("Upload ingested, pipeline started.")
	return nil
}
