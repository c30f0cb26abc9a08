package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/paperflow/internal/pipeline"
)

var (
	serviceInstance *pipeline.Service
	once            sync.Once
	initErr         error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("IngestUpload", ingestUpload)
}

// main is required by the Go Functions Framework.
func main() {}

// ingestUpload is the Cloud Function entry point for storage upload events.
func ingestUpload(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		serviceInstance, initErr = pipeline.NewService(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent pipeline.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	return serviceInstance.Ingest.ProcessUpload(ctx, gcsEvent)
}
