package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/paperflow/internal/apperr"
	"github.com/Lllllllleong/paperflow/internal/models"
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

	functions.HTTP("HandleTask", handleTask)
}

// main is required by the Go Functions Framework.
func main() {}

// handleTask receives one task dispatch from Cloud Tasks. The HTTP status it
// answers with is the retry contract: 2xx acknowledges, 4xx drops the task as
// malformed, 5xx asks the queue to redeliver per its retry policy.
func handleTask(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		serviceInstance, initErr = pipeline.NewService(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "initialization failed", http.StatusInternalServerError)
		return
	}

	var payload models.TaskPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		slog.Error("Failed to decode task payload", "error", err)
		http.Error(w, "malformed task payload", http.StatusBadRequest)
		return
	}

	if err := serviceInstance.Stages.Handle(r.Context(), &payload); err != nil {
		switch apperr.KindOf(err) {
		case apperr.Validation, apperr.Authentication, apperr.NotFound:
			// Retrying a malformed or unroutable task cannot succeed.
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
