package pipeline

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/paperflow/internal/ai"
	"github.com/Lllllllleong/paperflow/internal/gcp"
	"github.com/Lllllllleong/paperflow/internal/queue"
	"github.com/Lllllllleong/paperflow/internal/telemetry"
)

// Service bundles the production-wired handlers for the cloud functions.
type Service struct {
	Stages *Stages
	Ingest *Ingest
}

// NewService builds the full production dependency graph from the
// environment. Required variables: PROJECT_ID, TASKS_LOCATION,
// TASK_HANDLER_URL, TRANSLATED_TEXT_BUCKET. Optional: VERTEX_AI_REGION,
// GEMINI_MODEL, FIRESTORE_COLLECTION, QUEUE_PREFIX.
func NewService(ctx context.Context) (*Service, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	translatedBucket := gcp.GetEnv("TRANSLATED_TEXT_BUCKET", "")
	if translatedBucket == "" {
		return nil, fmt.Errorf("TRANSLATED_TEXT_BUCKET environment variable must be set")
	}

	fsClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	tasksClient, err := gcp.NewCloudTasksClient(ctx)
	if err != nil {
		return nil, err
	}
	vertexClient, err := gcp.NewVertexClient(ctx, projectID,
		gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		gcp.GetEnv("GEMINI_MODEL", "gemini-1.5-pro"))
	if err != nil {
		return nil, err
	}

	queueClient, err := queue.NewClient(tasksClient, queue.Config{
		ProjectID:   projectID,
		LocationID:  gcp.GetEnv("TASKS_LOCATION", "us-central1"),
		HandlerURL:  gcp.GetEnv("TASK_HANDLER_URL", ""),
		QueuePrefix: gcp.GetEnv("QUEUE_PREFIX", ""),
	})
	if err != nil {
		return nil, err
	}

	blobs, err := NewGCSBlobStore(storageClient, translatedBucket)
	if err != nil {
		return nil, err
	}

	tracker := telemetry.NewTracker(fsClient)
	adapter := ai.NewAdapter(vertexClient, tracker)
	store := NewFirestoreStore(fsClient, gcp.GetEnv("FIRESTORE_COLLECTION", "papers"))

	config := Config{}
	stages := NewStages(store, blobs, adapter, queueClient, tracker, nil, PDFValidator{}, config)
	ingest := NewIngest(store, queueClient, stages.config.CompletionCheckDelay)

	return &Service{Stages: stages, Ingest: ingest}, nil
}
