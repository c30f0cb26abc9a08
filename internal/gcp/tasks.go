package gcp

import (
	"context"
	"fmt"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
)

// NewCloudTasksClient creates the Cloud Tasks client used by the queue
// package. Kept here so all GCP client construction lives in one place.
func NewCloudTasksClient(ctx context.Context) (*cloudtasks.Client, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud Tasks client: %w", err)
	}
	return client, nil
}
