package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_SessionLifecycle(t *testing.T) {
	tracker := NewTracker(nil)

	sid := tracker.Begin("doc-1", "translate")
	require.NotEmpty(t, sid)

	tracker.RecordStep("doc-1", sid, "invoke", "detail", 2*time.Second)

	tracker.mu.Lock()
	session := tracker.sessions["doc-1"][sid]
	tracker.mu.Unlock()
	require.NotNil(t, session)
	require.Len(t, session.Steps, 1)
	assert.Equal(t, "invoke", session.Steps[0].Name)

	tracker.End(context.Background(), "doc-1", sid, true, "")

	tracker.mu.Lock()
	_, open := tracker.sessions["doc-1"]
	tracker.mu.Unlock()
	assert.False(t, open, "ended session should be removed")
}

func TestTracker_ReconcilesPlaceholderIdentity(t *testing.T) {
	tracker := NewTracker(nil)

	// Begun before the real document ID was known.
	sid := tracker.Begin("pending-upload", "extract_metadata")
	tracker.RecordStep("doc-real", sid, "invoke", "", time.Second)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Nil(t, tracker.sessions["pending-upload"])
	session := tracker.sessions["doc-real"][sid]
	require.NotNil(t, session)
	assert.Equal(t, "doc-real", session.DocumentID)
	assert.False(t, session.Recovered)
}

func TestTracker_SynthesizesRecoverySession(t *testing.T) {
	tracker := NewTracker(nil)

	tracker.RecordStep("doc-1", "never-begun", "invoke", "", time.Second)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	session := tracker.sessions["doc-1"]["never-begun"]
	require.NotNil(t, session)
	assert.True(t, session.Recovered)
	assert.Equal(t, "recovered", session.Stage)
	require.Len(t, session.Steps, 1)
}

func TestTracker_RecordInvocationLandsOnOpenSession(t *testing.T) {
	tracker := NewTracker(nil)

	sid := tracker.Begin("doc-1", "translate")
	tracker.RecordInvocation("doc-1", "prompt text", "response text", 0.3, time.Second, nil)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	session := tracker.sessions["doc-1"][sid]
	require.NotNil(t, session)
	require.Len(t, session.Steps, 1)
	assert.Equal(t, "ai_invoke", session.Steps[0].Name)
	assert.Contains(t, session.Steps[0].Detail, "prompt text")
	assert.Contains(t, session.Steps[0].Detail, "response text")
}

func TestNormalizeDuration_RescalesImplausibleValues(t *testing.T) {
	// A millisecond count passed as seconds lands far beyond a day.
	raw := 90000 * time.Second
	assert.Equal(t, 90*time.Second, normalizeDuration(raw, "doc", "step"))

	ok := 25 * time.Second
	assert.Equal(t, ok, normalizeDuration(ok, "doc", "step"))
}

func TestWeekBucket_MondayAnchor(t *testing.T) {
	wed := time.Date(2026, 8, 26, 15, 4, 0, 0, time.UTC)
	sun := time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC)
	mon := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "2026-08-24", WeekBucket(wed))
	assert.Equal(t, "2026-08-24", WeekBucket(sun))
	assert.Equal(t, "2026-08-24", WeekBucket(mon))
}

func TestTruncate_BoundsOversizedDetail(t *testing.T) {
	huge := strings.Repeat("あ", maxDetailRunes+500)
	got := truncate(huge)
	assert.True(t, strings.HasSuffix(got, "…(truncated)"))
	assert.Equal(t, maxDetailRunes, len([]rune(strings.TrimSuffix(got, "…(truncated)"))))

	small := "short"
	assert.Equal(t, small, truncate(small))
}
