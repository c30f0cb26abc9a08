// Package ai wraps the Vertex AI generative backend behind a per-document
// conversation context so the source PDF is transmitted once per document,
// not once per call. Contexts live in process-wide state scoped to the
// adapter; callers must treat "context not found" as recoverable by
// re-opening, since a different function instance may serve the retry.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/paperflow/internal/apperr"
	"github.com/Lllllllleong/paperflow/internal/gcp"
)

// BlockedFallbackMessage is returned in place of generated text when the
// backend keeps rejecting the content after all retries. Downstream stages
// always receive some text.
const BlockedFallbackMessage = "翻訳処理に失敗しました。しばらくしてから再試行してください。"

// CallRecorder mirrors every invocation attempt to telemetry. Implementations
// must be best-effort; the adapter ignores their failures entirely.
type CallRecorder interface {
	RecordInvocation(documentID, prompt, response string, temperature float32, duration time.Duration, err error)
}

// Adapter holds the Vertex client and the open document contexts.
type Adapter struct {
	vertex   *gcp.VertexClient
	recorder CallRecorder
	contexts sync.Map // documentID -> *paperContext
}

// paperContext is one open conversation about one document. The chat session
// is not safe for concurrent use, so calls for the same document serialize
// on mu.
type paperContext struct {
	id      string
	mu      sync.Mutex
	model   *genai.GenerativeModel
	session *genai.ChatSession
	opened  bool
}

// NewAdapter creates an adapter over the shared Vertex client. recorder may
// be nil.
func NewAdapter(vertex *gcp.VertexClient, recorder CallRecorder) *Adapter {
	return &Adapter{vertex: vertex, recorder: recorder}
}

// OpenContext opens (or returns) the conversation context for a document.
// Idempotent: a second open for the same document returns the existing
// context handle without re-sending the source. Opening sends one
// initialization message carrying the source PDF.
func (a *Adapter) OpenContext(ctx context.Context, documentID, sourceGCSUri string) (string, error) {
	const op = "ai.OpenContext"
	if documentID == "" || sourceGCSUri == "" {
		return "", apperr.Errorf(apperr.Validation, op, "documentID and sourceGCSUri are required")
	}

	model := a.vertex.NewPaperModel()
	fresh := &paperContext{
		id:      uuid.New().String(),
		model:   model,
		session: model.StartChat(),
	}
	actual, loaded := a.contexts.LoadOrStore(documentID, fresh)
	pc := actual.(*paperContext)

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.opened {
		return pc.id, nil
	}

	parts := []genai.Part{
		genai.FileData{MIMEType: "application/pdf", FileURI: sourceGCSUri},
		genai.Text(gcp.ContextPrimingPrompt),
	}
	if _, err := pc.session.SendMessage(ctx, parts...); err != nil {
		if !loaded {
			a.contexts.Delete(documentID)
		}
		return "", a.classify(op, err)
	}
	pc.opened = true
	slog.Info("Opened AI context.", "documentId", documentID, "contextId", pc.id)
	return pc.id, nil
}

// CloseContext discards the context for a document and reports whether one
// existed.
func (a *Adapter) CloseContext(documentID string) bool {
	_, existed := a.contexts.LoadAndDelete(documentID)
	if existed {
		slog.Info("Closed AI context.", "documentId", documentID)
	}
	return existed
}

// Invoke sends one prompt on the document's conversation context.
//
// Failure handling: transient backend failures (deadline, unavailability)
// are retried up to maxRetries and the last error surfaced; backend content
// rejection is retried the same way but degrades to BlockedFallbackMessage
// instead of failing; anything else propagates immediately. A missing
// context surfaces as a not_found error the caller recovers from by
// re-opening.
func (a *Adapter) Invoke(ctx context.Context, documentID, prompt string, temperature float32, maxRetries int) (string, error) {
	const op = "ai.Invoke"

	value, ok := a.contexts.Load(documentID)
	if !ok {
		return "", apperr.Errorf(apperr.NotFound, op, "no open AI context for document %s", documentID)
	}
	pc := value.(*paperContext)

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.opened {
		return "", apperr.Errorf(apperr.NotFound, op, "AI context for document %s was never initialized", documentID)
	}

	pc.model.GenerationConfig.Temperature = genai.Ptr(temperature)

	if maxRetries < 1 {
		maxRetries = 1
	}

	var text string
	err := retry.Do(
		func() error {
			start := time.Now()
			resp, sendErr := pc.session.SendMessage(ctx, genai.Text(prompt))
			var attemptErr error
			if sendErr != nil {
				attemptErr = a.classify(op, sendErr)
			} else if blocked, reason := responseBlocked(resp); blocked {
				attemptErr = apperr.Errorf(apperr.UpstreamValidation, op, "backend rejected generated content: %s", reason)
			} else {
				text = extractText(resp)
			}
			a.record(documentID, prompt, text, temperature, time.Since(start), attemptErr)
			return attemptErr
		},
		retry.Attempts(uint(maxRetries)),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			kind := apperr.KindOf(err)
			return kind == apperr.UpstreamTransient || kind == apperr.UpstreamValidation
		}),
	)
	if err != nil {
		if apperr.IsKind(err, apperr.UpstreamValidation) {
			slog.Warn("Generated content rejected after all retries; degrading to fallback text.",
				"documentId", documentID, "attempts", maxRetries)
			return BlockedFallbackMessage, nil
		}
		return "", err
	}
	return text, nil
}

// classify maps a backend error to its failure class.
func (a *Adapter) classify(op string, err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded, codes.Unavailable:
		return apperr.E(apperr.UpstreamTransient, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.E(apperr.UpstreamTransient, op, err)
	}
	return apperr.E(apperr.Unknown, op, fmt.Errorf("backend call failed: %w", err))
}

func (a *Adapter) record(documentID, prompt, response string, temperature float32, duration time.Duration, err error) {
	if a.recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Telemetry recorder panicked; ignoring.", "documentId", documentID, "panic", r)
		}
	}()
	a.recorder.RecordInvocation(documentID, prompt, response, temperature, duration, err)
}

// responseBlocked reports whether the backend withheld content for safety or
// validation reasons.
func responseBlocked(resp *genai.GenerateContentResponse) (bool, string) {
	if resp == nil {
		return true, "empty response"
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		return true, fmt.Sprintf("prompt blocked (%v)", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return true, "no candidates"
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return true, "candidate blocked for safety"
	}
	if resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return true, "candidate has no content"
	}
	return false, ""
}

// extractText concatenates the text parts of the first candidate, trimming
// stray code fences.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}
