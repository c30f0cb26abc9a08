// Package queue enqueues pipeline work onto Cloud Tasks. The queue gives
// at-least-once delivery with no ordering guarantee; callers defend against
// duplicate fan-out with deterministic task names, which the queue
// deduplicates within its dedup window.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/Lllllllleong/paperflow/internal/apperr"
	"github.com/Lllllllleong/paperflow/internal/models"
)

// DispatchDeadline is the maximum processing time granted to one task
// dispatch, aligned to the platform's per-invocation ceiling. A task that
// does not answer within it is considered failed and retried per its policy.
const DispatchDeadline = 30 * time.Minute

// RetryPolicy declares the bounded retry envelope a task should run under.
// Cloud Tasks scopes retry configuration to queues, so each named policy is
// backed by a dedicated queue provisioned with these values; the struct
// keeps the caller's intent and the queue's provisioning in one place.
type RetryPolicy struct {
	Name             string
	MaxAttempts      int
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	MaxRetryDuration time.Duration
}

// PolicyExpensive suits stages that hold a long AI call: few attempts, long
// backoff. PolicyCheap suits bookkeeping stages.
var (
	PolicyExpensive = RetryPolicy{
		Name:             "expensive",
		MaxAttempts:      3,
		MinBackoff:       time.Minute,
		MaxBackoff:       10 * time.Minute,
		MaxRetryDuration: 2 * time.Hour,
	}
	PolicyCheap = RetryPolicy{
		Name:             "cheap",
		MaxAttempts:      5,
		MinBackoff:       10 * time.Second,
		MaxBackoff:       5 * time.Minute,
		MaxRetryDuration: time.Hour,
	}
)

// Task is one unit of work to enqueue.
type Task struct {
	Payload models.TaskPayload
	// Name, when non-empty, is the deterministic dedup identity. Re-enqueuing
	// the same name within the queue's dedup window is a no-op success.
	Name string
	// Delay schedules future execution; zero means immediately eligible.
	Delay time.Duration
	// Policy selects the retry envelope. Zero value falls back to PolicyCheap.
	Policy RetryPolicy
}

// Enqueuer is what stage handlers depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) (string, error)
}

// TaskName derives the deterministic dedup identity for an operation on a
// document. seq is the chapter number for chapter-scoped operations and the
// sweep counter for completion checks; pass -1 to omit it.
func TaskName(op models.Operation, documentID string, seq int) string {
	if seq < 0 {
		return fmt.Sprintf("%s--%s", op, documentID)
	}
	return fmt.Sprintf("%s--%s--%03d", op, documentID, seq)
}

// Config locates the queues and the handler endpoint.
type Config struct {
	ProjectID  string
	LocationID string
	// HandlerURL is the task-handler function's HTTPS endpoint.
	HandlerURL string
	// QueuePrefix names the queues: "<prefix>-<policy>" per retry policy.
	QueuePrefix string
}

// Client enqueues against Cloud Tasks.
type Client struct {
	tasks  *cloudtasks.Client
	config Config
}

// NewClient wraps an existing Cloud Tasks client.
func NewClient(tasks *cloudtasks.Client, config Config) (*Client, error) {
	if config.ProjectID == "" || config.LocationID == "" || config.HandlerURL == "" {
		return nil, fmt.Errorf("queue.NewClient: ProjectID, LocationID and HandlerURL must be set")
	}
	if config.QueuePrefix == "" {
		config.QueuePrefix = "paperflow"
	}
	return &Client{tasks: tasks, config: config}, nil
}

// Enqueue creates the task and returns its full resource name. A named task
// that already exists is a success, not an error; that collapse is the
// primary defense against duplicate fan-out when the calling stage is itself
// retried.
func (c *Client) Enqueue(ctx context.Context, t Task) (string, error) {
	const op = "queue.Enqueue"
	if !t.Payload.Operation.Valid() {
		return "", apperr.Errorf(apperr.Validation, op, "unknown operation %q", t.Payload.Operation)
	}
	if t.Payload.DocumentID == "" {
		return "", apperr.Errorf(apperr.Validation, op, "documentID is required")
	}

	body, err := json.Marshal(t.Payload)
	if err != nil {
		return "", apperr.E(apperr.Validation, op, fmt.Errorf("marshal payload: %w", err))
	}

	policy := t.Policy
	if policy.Name == "" {
		policy = PolicyCheap
	}
	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s-%s",
		c.config.ProjectID, c.config.LocationID, c.config.QueuePrefix, policy.Name)

	task := &cloudtaskspb.Task{
		DispatchDeadline: durationpb.New(DispatchDeadline),
		MessageType: &cloudtaskspb.Task_HttpRequest{
			HttpRequest: &cloudtaskspb.HttpRequest{
				HttpMethod: cloudtaskspb.HttpMethod_POST,
				Url:        c.config.HandlerURL,
				Headers:    map[string]string{"Content-Type": "application/json"},
				Body:       body,
			},
		},
	}
	if t.Name != "" {
		task.Name = queuePath + "/tasks/" + t.Name
	}
	if t.Delay > 0 {
		task.ScheduleTime = timestamppb.New(time.Now().Add(t.Delay))
	}

	created, err := c.tasks.CreateTask(ctx, &cloudtaskspb.CreateTaskRequest{
		Parent: queuePath,
		Task:   task,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			slog.Info("Task already enqueued, deduplicated.",
				"taskName", t.Name, "operation", t.Payload.Operation, "documentId", t.Payload.DocumentID)
			return task.Name, nil
		}
		return "", apperr.E(apperr.Infrastructure, op,
			fmt.Errorf("create task %s for document %s: %w", t.Payload.Operation, t.Payload.DocumentID, err))
	}

	slog.Info("Enqueued task.",
		"operation", t.Payload.Operation, "documentId", t.Payload.DocumentID,
		"taskName", created.GetName(), "delay", t.Delay.String(), "policy", policy.Name)
	return created.GetName(), nil
}
