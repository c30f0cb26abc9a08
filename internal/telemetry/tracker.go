// Package telemetry records per-stage wall-clock timing and intermediate
// artifacts. The in-memory session map is a staging buffer only; durable
// telemetry lives in Firestore under a week-bucketed hierarchy. Nothing in
// this package may fail the pipeline stage that invoked it.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
)

const (
	// Collection roots the telemetry hierarchy in Firestore.
	Collection = "telemetry"

	// maxDetailRunes truncates oversized text fields before persistence.
	maxDetailRunes = 20000

	// implausibleSeconds marks a duration input as being in the wrong unit.
	// Durations beyond a day of wall-clock time are presumed milliseconds
	// and rescaled.
	implausibleSeconds = 86400
)

// Step is one recorded unit of work inside a session.
type Step struct {
	Name     string        `firestore:"name"`
	Detail   string        `firestore:"detail,omitempty"`
	Duration time.Duration `firestore:"durationNs,omitempty"`
	At       time.Time     `firestore:"at"`
}

// Session is the ephemeral, process-local record of one stage execution.
type Session struct {
	ID         string
	DocumentID string
	Stage      string
	StartedAt  time.Time
	Recovered  bool
	Steps      []Step
}

// Tracker owns the open sessions and flushes summaries to Firestore on End.
// A nil Firestore client disables persistence but keeps the session
// bookkeeping, which tests rely on.
type Tracker struct {
	fs  *firestore.Client
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]map[string]*Session // documentID -> sessionID -> session
}

// NewTracker creates a tracker. fs may be nil.
func NewTracker(fs *firestore.Client) *Tracker {
	return &Tracker{
		fs:       fs,
		now:      time.Now,
		sessions: make(map[string]map[string]*Session),
	}
}

// Begin opens a session for a stage execution and returns its identity.
func (t *Tracker) Begin(documentID, stage string) string {
	session := &Session{
		ID:         uuid.New().String(),
		DocumentID: documentID,
		Stage:      stage,
		StartedAt:  t.now(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions[documentID] == nil {
		t.sessions[documentID] = make(map[string]*Session)
	}
	t.sessions[documentID][session.ID] = session
	return session.ID
}

// RecordStep appends a timed step to a session. A caller that does not yet
// know its real document identity may pass a placeholder; the session is
// then located by scanning all open sessions for the session ID. An
// unrecoverable lookup synthesizes a recovery session rather than failing.
func (t *Tracker) RecordStep(documentID, sessionID, step, detail string, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session := t.locateLocked(documentID, sessionID)
	session.Steps = append(session.Steps, Step{
		Name:     step,
		Detail:   truncate(detail),
		Duration: normalizeDuration(duration, session.DocumentID, step),
		At:       t.now(),
	})
}

// End closes a session, flushes its summary to durable storage best-effort,
// and returns the stage duration.
func (t *Tracker) End(ctx context.Context, documentID, sessionID string, success bool, errMsg string) time.Duration {
	t.mu.Lock()
	session := t.locateLocked(documentID, sessionID)
	delete(t.sessions[session.DocumentID], session.ID)
	if len(t.sessions[session.DocumentID]) == 0 {
		delete(t.sessions, session.DocumentID)
	}
	t.mu.Unlock()

	duration := t.now().Sub(session.StartedAt)
	t.flush(ctx, session, duration, success, errMsg)
	return duration
}

// locateLocked finds the session for (documentID, sessionID), reconciling a
// placeholder document identity by session-ID scan, or synthesizes a
// recovery session. Callers hold t.mu.
func (t *Tracker) locateLocked(documentID, sessionID string) *Session {
	if byID, ok := t.sessions[documentID]; ok {
		if session, ok := byID[sessionID]; ok {
			return session
		}
	}

	// The caller may have begun the session before the real document ID was
	// assigned. Best-effort reconciliation: find the session ID anywhere and
	// adopt the real identity once known.
	for docID, byID := range t.sessions {
		if session, ok := byID[sessionID]; ok {
			if documentID != "" && documentID != docID {
				delete(byID, sessionID)
				if len(byID) == 0 {
					delete(t.sessions, docID)
				}
				session.DocumentID = documentID
				if t.sessions[documentID] == nil {
					t.sessions[documentID] = make(map[string]*Session)
				}
				t.sessions[documentID][sessionID] = session
				slog.Warn("Reconciled telemetry session under real document identity.",
					"documentId", documentID, "previousDocumentId", docID, "sessionId", sessionID)
			}
			return session
		}
	}

	slog.Warn("Telemetry session not found; synthesizing recovery session.",
		"documentId", documentID, "sessionId", sessionID)
	session := &Session{
		ID:         sessionID,
		DocumentID: documentID,
		Stage:      "recovered",
		StartedAt:  t.now(),
		Recovered:  true,
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if t.sessions[documentID] == nil {
		t.sessions[documentID] = make(map[string]*Session)
	}
	t.sessions[documentID][session.ID] = session
	return session
}

// RecordInvocation implements the AI adapter's call-recorder hook. Each
// attempt lands as a step on the document's current session, or on a
// recovery session when none is open.
func (t *Tracker) RecordInvocation(documentID, prompt, response string, temperature float32, duration time.Duration, err error) {
	detail := "prompt: " + prompt + "\nresponse: " + response
	if err != nil {
		detail += "\nerror: " + err.Error()
	}

	t.mu.Lock()
	sessionID := ""
	if byID, ok := t.sessions[documentID]; ok {
		for id := range byID {
			sessionID = id
			break
		}
	}
	t.mu.Unlock()

	t.RecordStep(documentID, sessionID, "ai_invoke", detail, duration)
}

// flush writes the stage summary and bumps the week-bucketed counters. Every
// failure here is logged and swallowed.
func (t *Tracker) flush(ctx context.Context, session *Session, duration time.Duration, success bool, errMsg string) {
	if t.fs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Telemetry flush panicked; ignoring.", "documentId", session.DocumentID, "panic", r)
		}
	}()

	bucket := WeekBucket(t.now())
	bucketRef := t.fs.Collection(Collection).Doc(bucket)

	counters := map[string]any{
		"weekOf":     bucket,
		"stageCount": firestore.Increment(1),
	}
	if !success {
		counters["failureCount"] = firestore.Increment(1)
	}
	if _, err := bucketRef.Set(ctx, counters, firestore.MergeAll); err != nil {
		slog.Warn("Failed to update telemetry week counters.", "error", err, "weekOf", bucket)
	}

	docID := session.DocumentID
	if docID == "" {
		docID = "unknown"
	}
	stageDoc := map[string]any{
		"stage":      session.Stage,
		"documentId": docID,
		"startedAt":  session.StartedAt,
		"durationNs": duration,
		"success":    success,
		"recovered":  session.Recovered,
		"stepCount":  len(session.Steps),
	}
	if errMsg != "" {
		stageDoc["error"] = truncate(errMsg)
	}

	opRef := bucketRef.Collection("documents").Doc(docID).Collection("operations").Doc(session.Stage)
	if _, err := opRef.Set(ctx, stageDoc); err != nil {
		slog.Warn("Failed to persist telemetry stage summary.",
			"error", err, "documentId", docID, "stage", session.Stage)
		return
	}
	for i, step := range session.Steps {
		stepRef := opRef.Collection("steps").Doc(stepDocID(i))
		if _, err := stepRef.Set(ctx, step); err != nil {
			slog.Warn("Failed to persist telemetry step.", "error", err, "documentId", docID, "step", step.Name)
		}
	}
}

// WeekBucket returns the bucket key for a point in time: the date of that
// ISO week's Monday, so one bucket spans Monday through Sunday.
func WeekBucket(t time.Time) string {
	offset := (int(t.Weekday()) + 6) % 7
	monday := t.AddDate(0, 0, -offset)
	return monday.Format("2006-01-02")
}

// normalizeDuration rescales duration inputs that are implausibly large for
// seconds-scale stage work, treating them as having arrived in the wrong
// unit.
func normalizeDuration(d time.Duration, documentID, step string) time.Duration {
	if d > implausibleSeconds*time.Second {
		slog.Warn("Implausible step duration; assuming milliseconds were passed as a larger unit and rescaling.",
			"documentId", documentID, "step", step, "raw", d.String())
		return d / 1000
	}
	return d
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxDetailRunes {
		return s
	}
	return string(runes[:maxDetailRunes]) + "…(truncated)"
}

func stepDocID(i int) string {
	return fmt.Sprintf("step-%04d", i)
}
