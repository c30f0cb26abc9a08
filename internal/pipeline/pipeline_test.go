package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/paperflow/internal/apperr"
	"github.com/Lllllllleong/paperflow/internal/models"
	"github.com/Lllllllleong/paperflow/internal/queue"
)

// --- in-memory fakes ---

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]*models.PaperRecord
	chapters map[string]map[int]models.ChapterResult
	upserts  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:  make(map[string]*models.PaperRecord),
		chapters: make(map[string]map[int]models.ChapterResult),
	}
}

func (s *fakeStore) CreateRecord(_ context.Context, rec *models.PaperRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return nil
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *fakeStore) GetRecord(_ context.Context, id string) (*models.PaperRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, apperr.Errorf(apperr.NotFound, "fake.GetRecord", "record %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) SaveExtraction(_ context.Context, id string, meta *models.PaperMetadata, chapters []models.ChapterSpec, pageCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[id]
	rec.Metadata = meta
	rec.Chapters = chapters
	rec.PageCount = pageCount
	rec.Status = models.StatusMetadataExtracted
	return nil
}

func (s *fakeStore) UpsertChapterResult(_ context.Context, id string, result models.ChapterResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chapters[id] == nil {
		s.chapters[id] = make(map[int]models.ChapterResult)
	}
	s.chapters[id][result.Number] = result
	s.upserts++
	return nil
}

func (s *fakeStore) ListChapterResults(_ context.Context, id string) ([]models.ChapterResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var results []models.ChapterResult
	for _, r := range s.chapters[id] {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Number < results[j].Number })
	return results, nil
}

func (s *fakeStore) CountChapterResults(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chapters[id]), nil
}

func (s *fakeStore) AppendSummary(_ context.Context, id, fragment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].Summary += fragment
	return nil
}

func (s *fakeStore) SaveFinalInline(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].TranslatedText = text
	s.records[id].TranslatedTextGCSUri = ""
	return nil
}

func (s *fakeStore) SaveFinalPointer(_ context.Context, id, gcsURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].TranslatedTextGCSUri = gcsURI
	s.records[id].TranslatedText = ""
	return nil
}

func (s *fakeStore) SetAIContextID(_ context.Context, id, contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].AIContextID = contextID
	return nil
}

func (s *fakeStore) SetRelatedPapers(_ context.Context, id string, papers []models.RelatedPaper) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].RelatedPapers = papers
	return nil
}

func (s *fakeStore) SetCompleted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].Status = models.StatusCompleted
	s.records[id].CompletedAt = &at
	return nil
}

func (s *fakeStore) SetError(_ context.Context, id, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].Status = models.StatusError
	s.records[id].ErrorDetails = details
	return nil
}

func (s *fakeStore) record(t *testing.T, id string) *models.PaperRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	require.True(t, ok, "record %s missing", id)
	cp := *rec
	return &cp
}

// fakeQueue records enqueued tasks and deduplicates named ones, mirroring the
// AlreadyExists collapse of the real client.
type fakeQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
	named map[string]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{named: make(map[string]bool)}
}

func (q *fakeQueue) Enqueue(_ context.Context, t queue.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.Name != "" && q.named[t.Name] {
		return t.Name, nil
	}
	q.named[t.Name] = true
	q.tasks = append(q.tasks, t)
	return t.Name, nil
}

func (q *fakeQueue) byOp(op models.Operation) []queue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Task
	for _, t := range q.tasks {
		if t.Payload.Operation == op {
			out = append(out, t)
		}
	}
	return out
}

type fakeInvoker struct {
	mu             sync.Mutex
	opened         map[string]bool
	closed         []string
	invocations    int
	requireContext bool
	respond        func(prompt string) (string, error)
}

func newFakeInvoker(respond func(prompt string) (string, error)) *fakeInvoker {
	return &fakeInvoker{opened: make(map[string]bool), respond: respond}
}

func (f *fakeInvoker) OpenContext(_ context.Context, documentID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened[documentID] = true
	return "ctx-" + documentID, nil
}

func (f *fakeInvoker) CloseContext(documentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened[documentID] {
		return false
	}
	delete(f.opened, documentID)
	f.closed = append(f.closed, documentID)
	return true
}

func (f *fakeInvoker) Invoke(_ context.Context, documentID, prompt string, _ float32, _ int) (string, error) {
	f.mu.Lock()
	if f.requireContext && !f.opened[documentID] {
		f.mu.Unlock()
		return "", apperr.Errorf(apperr.NotFound, "fake.Invoke", "no open context for %s", documentID)
	}
	f.invocations++
	f.mu.Unlock()
	return f.respond(prompt)
}

func (f *fakeInvoker) invocationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invocations
}

type fakeBlobs struct {
	mu      sync.Mutex
	uploads map[string]string
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{uploads: make(map[string]string)} }

func (b *fakeBlobs) Download(context.Context, string, string) error { return nil }

func (b *fakeBlobs) UploadText(_ context.Context, objectName, content string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads[objectName] = content
	return "gs://test-bucket/" + objectName, nil
}

type noopTelemetry struct{}

func (noopTelemetry) Begin(string, string) string                             { return "session" }
func (noopTelemetry) RecordStep(string, string, string, string, time.Duration) {}
func (noopTelemetry) End(context.Context, string, string, bool, string) time.Duration {
	return 0
}

type fakeRelated struct {
	papers []models.RelatedPaper
	err    error
}

func (f *fakeRelated) FindRelated(context.Context, *models.PaperMetadata) ([]models.RelatedPaper, error) {
	return f.papers, f.err
}

// --- scripted responses ---

const metadataResponse = `{
  "metadata": {"title": "Test Paper", "abstract": "An abstract.", "authors": [{"name": "Tanaka"}]},
  "chapters": [
    {"chapter_number": 1, "title": "Introduction", "title_ja": "はじめに", "start_page": 1, "end_page": 2},
    {"chapter_number": 2, "title": "Methods", "title_ja": "手法", "start_page": 3, "end_page": 5},
    {"chapter_number": 3, "title": "Results", "title_ja": "結果", "start_page": 6, "end_page": 8}
  ]
}`

func scriptedResponses(prompt string) (string, error) {
	switch {
	case strings.HasPrefix(prompt, "Extract the bibliographic"):
		return metadataResponse, nil
	case strings.HasPrefix(prompt, "Translate chapter"):
		var n int
		fmt.Sscanf(prompt, "Translate chapter %d", &n)
		return fmt.Sprintf(`{"translated_text": "<p>第%d章の本文</p>"}`, n), nil
	case strings.HasPrefix(prompt, "Summarize chapter"):
		var n int
		fmt.Sscanf(prompt, "Summarize chapter %d", &n)
		return fmt.Sprintf(`{"summary": "第%d章の要約。", "required_knowledge": "特になし。"}`, n), nil
	}
	return "", errors.New("unexpected prompt")
}

type env struct {
	stages  *Stages
	store   *fakeStore
	queue   *fakeQueue
	invoker *fakeInvoker
	blobs   *fakeBlobs
}

func newEnv(config Config, respond func(string) (string, error)) *env {
	if respond == nil {
		respond = scriptedResponses
	}
	store := newFakeStore()
	q := newFakeQueue()
	invoker := newFakeInvoker(respond)
	blobs := newFakeBlobs()
	return &env{
		stages:  NewStages(store, blobs, invoker, q, noopTelemetry{}, nil, nil, config),
		store:   store,
		queue:   q,
		invoker: invoker,
		blobs:   blobs,
	}
}

func (e *env) seedRecord(rec *models.PaperRecord) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.store.records[rec.ID] = rec
}

func pendingRecord(id string) *models.PaperRecord {
	return &models.PaperRecord{
		ID:           id,
		SourceGCSUri: "gs://uploads/" + id + ".pdf",
		Status:       models.StatusPending,
		UploadedAt:   time.Now(),
	}
}

func extractedRecord(id string, chapters ...int) *models.PaperRecord {
	rec := pendingRecord(id)
	rec.Status = models.StatusMetadataExtracted
	rec.AIContextID = "ctx-" + id
	for _, n := range chapters {
		rec.Chapters = append(rec.Chapters, models.ChapterSpec{
			Number: n, Title: fmt.Sprintf("Chapter %d", n), StartPage: n, EndPage: n + 1,
		})
	}
	return rec
}

// --- ingest ---

func TestIngest_CreatesRecordAndStartsPipeline(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	ingest := NewIngest(store, q, time.Minute)

	ev := GCSEvent{Bucket: "uploads", Name: "papers/study.pdf"}
	require.NoError(t, ingest.ProcessUpload(context.Background(), ev))

	docID := DocumentID("gs://uploads/papers/study.pdf")
	rec := store.record(t, docID)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, "study.pdf", rec.OriginalFilename)

	extracts := q.byOp(models.OpExtractMetadata)
	require.Len(t, extracts, 1)
	assert.Equal(t, docID, extracts[0].Payload.DocumentID)

	checks := q.byOp(models.OpCompletionCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, time.Minute, checks[0].Delay)
	assert.Equal(t, "0", checks[0].Payload.Params["sweep"])
}

func TestIngest_RedeliveredEventIsIdempotent(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	ingest := NewIngest(store, q, time.Minute)

	ev := GCSEvent{Bucket: "uploads", Name: "a.pdf"}
	require.NoError(t, ingest.ProcessUpload(context.Background(), ev))
	require.NoError(t, ingest.ProcessUpload(context.Background(), ev))

	assert.Len(t, store.records, 1)
	assert.Len(t, q.tasks, 2, "redelivery must not enqueue duplicate tasks")
}

func TestIngest_IgnoresNonPDFUploads(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	ingest := NewIngest(store, q, time.Minute)

	require.NoError(t, ingest.ProcessUpload(context.Background(), GCSEvent{Bucket: "uploads", Name: "notes.txt"}))
	assert.Empty(t, store.records)
	assert.Empty(t, q.tasks)
}

// --- extraction ---

func TestExtractMetadata_FansOutChapters(t *testing.T) {
	e := newEnv(Config{}, nil)
	e.seedRecord(pendingRecord("doc"))

	err := e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpExtractMetadata, DocumentID: "doc",
	})
	require.NoError(t, err)

	rec := e.store.record(t, "doc")
	assert.Equal(t, models.StatusMetadataExtracted, rec.Status)
	require.NotNil(t, rec.Metadata)
	assert.Equal(t, "Test Paper", rec.Metadata.Title)
	assert.Equal(t, "ctx-doc", rec.AIContextID)
	require.Len(t, rec.Chapters, 3)

	translates := e.queue.byOp(models.OpTranslate)
	require.Len(t, translates, 3)
	names := make(map[string]bool)
	for _, task := range translates {
		require.NotNil(t, task.Payload.Chapter)
		names[task.Name] = true
	}
	assert.True(t, names["translate--doc--001"])
	assert.True(t, names["translate--doc--003"])

	require.Len(t, e.queue.byOp(models.OpRelatedPapers), 1)
}

func TestExtractMetadata_RedeliveryDoesNotReinvoke(t *testing.T) {
	e := newEnv(Config{}, nil)
	e.seedRecord(pendingRecord("doc"))

	payload := &models.TaskPayload{Operation: models.OpExtractMetadata, DocumentID: "doc"}
	require.NoError(t, e.stages.Handle(context.Background(), payload))
	firstCount := e.invoker.invocationCount()
	firstTasks := len(e.queue.tasks)

	// Redelivered after the extraction already persisted.
	require.NoError(t, e.stages.Handle(context.Background(), payload))

	assert.Equal(t, firstCount, e.invoker.invocationCount(), "persisted extraction must not be redone")
	assert.Equal(t, firstTasks, len(e.queue.tasks), "fan-out must deduplicate")
}

func TestExtractMetadata_UnusableResponseFailsDocumentWithoutFanOut(t *testing.T) {
	e := newEnv(Config{}, func(prompt string) (string, error) {
		return "I cannot process this document.", nil
	})
	e.seedRecord(pendingRecord("doc"))

	err := e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpExtractMetadata, DocumentID: "doc",
	})
	require.NoError(t, err, "terminal failure must acknowledge the task")

	rec := e.store.record(t, "doc")
	assert.Equal(t, models.StatusError, rec.Status)
	assert.NotEmpty(t, rec.ErrorDetails)
	assert.Empty(t, e.queue.byOp(models.OpTranslate), "no fan-out may happen before extraction persists")
}

func TestExtractMetadata_EmptyManifestFinalizesDirectly(t *testing.T) {
	e := newEnv(Config{}, func(prompt string) (string, error) {
		return `{"metadata": {"title": "Short Note"}, "chapters": []}`, nil
	})
	e.seedRecord(pendingRecord("doc"))

	err := e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpExtractMetadata, DocumentID: "doc",
	})
	require.NoError(t, err)

	rec := e.store.record(t, "doc")
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Empty(t, e.queue.byOp(models.OpTranslate))
}

// --- translate / summarize ---

func TestTranslate_UpsertsResultAndChainsSummarize(t *testing.T) {
	e := newEnv(Config{}, nil)
	rec := extractedRecord("doc", 1, 2, 3)
	e.seedRecord(rec)
	e.invoker.opened["doc"] = true

	payload := &models.TaskPayload{
		Operation: models.OpTranslate, DocumentID: "doc", Chapter: &rec.Chapters[1],
	}
	require.NoError(t, e.stages.Handle(context.Background(), payload))

	results, err := e.store.ListChapterResults(context.Background(), "doc")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Number)
	assert.Equal(t, "<p>第2章の本文</p>", results[0].TranslatedText)

	summaries := e.queue.byOp(models.OpSummarize)
	require.Len(t, summaries, 1)
	assert.Equal(t, "summarize--doc--002", summaries[0].Name)

	// Redelivery overwrites; it cannot create a second result.
	require.NoError(t, e.stages.Handle(context.Background(), payload))
	results, _ = e.store.ListChapterResults(context.Background(), "doc")
	assert.Len(t, results, 1)
	assert.Equal(t, 2, e.store.upserts)
}

func TestTranslate_ReopensLostContext(t *testing.T) {
	e := newEnv(Config{}, nil)
	rec := extractedRecord("doc", 1)
	e.seedRecord(rec)
	e.invoker.requireContext = true // fresh instance, no context in memory

	err := e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpTranslate, DocumentID: "doc", Chapter: &rec.Chapters[0],
	})
	require.NoError(t, err)

	assert.True(t, e.invoker.opened["doc"])
	count, _ := e.store.CountChapterResults(context.Background(), "doc")
	assert.Equal(t, 1, count)
}

func TestTranslate_DroppedOnTerminalRecord(t *testing.T) {
	e := newEnv(Config{}, nil)
	rec := extractedRecord("doc", 1)
	rec.Status = models.StatusCompleted
	e.seedRecord(rec)

	err := e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpTranslate, DocumentID: "doc", Chapter: &rec.Chapters[0],
	})
	require.NoError(t, err)
	assert.Zero(t, e.invoker.invocationCount())
}

func TestSummarize_BeforeAllChaptersDoneLeavesRecordOpen(t *testing.T) {
	e := newEnv(Config{}, nil)
	rec := extractedRecord("doc", 1, 2, 3)
	e.seedRecord(rec)
	e.invoker.opened["doc"] = true

	require.NoError(t, e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpTranslate, DocumentID: "doc", Chapter: &rec.Chapters[0],
	}))
	require.NoError(t, e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpSummarize, DocumentID: "doc", Chapter: &rec.Chapters[0],
	}))

	got := e.store.record(t, "doc")
	assert.Equal(t, models.StatusMetadataExtracted, got.Status)
	assert.Contains(t, got.Summary, "第1章")
}

// --- fan-in ---

func TestPipeline_CompletesRegardlessOfArrivalOrder(t *testing.T) {
	e := newEnv(Config{}, nil)
	rec := extractedRecord("doc", 1, 2, 3)
	e.seedRecord(rec)
	e.invoker.opened["doc"] = true

	translate := func(i int) *models.TaskPayload {
		return &models.TaskPayload{Operation: models.OpTranslate, DocumentID: "doc", Chapter: &rec.Chapters[i]}
	}
	summarize := func(i int) *models.TaskPayload {
		return &models.TaskPayload{Operation: models.OpSummarize, DocumentID: "doc", Chapter: &rec.Chapters[i]}
	}

	// Chapters arrive out of order: 2, 3, 1.
	require.NoError(t, e.stages.Handle(context.Background(), translate(1)))
	require.NoError(t, e.stages.Handle(context.Background(), translate(2)))
	require.NoError(t, e.stages.Handle(context.Background(), translate(0)))

	// The first summarize after the last translate closes the fan-in.
	require.NoError(t, e.stages.Handle(context.Background(), summarize(1)))

	got := e.store.record(t, "doc")
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t,
		"<p>第1章の本文</p>\n<p>第2章の本文</p>\n<p>第3章の本文</p>\n",
		got.TranslatedText,
		"assembly must follow chapter numbers, not arrival order")
	assert.Contains(t, e.invoker.closed, "doc")

	// A late summarize against the completed record is dropped.
	before := e.invoker.invocationCount()
	require.NoError(t, e.stages.Handle(context.Background(), summarize(2)))
	assert.Equal(t, before, e.invoker.invocationCount())
}

func TestFinalize_ExternalizesLargeText(t *testing.T) {
	e := newEnv(Config{InlineTextLimit: 32}, nil)
	rec := extractedRecord("doc", 1)
	e.seedRecord(rec)
	require.NoError(t, e.store.UpsertChapterResult(context.Background(), "doc", models.ChapterResult{
		Number:         1,
		TranslatedText: "<p>" + strings.Repeat("長", 100) + "</p>",
	}))

	require.NoError(t, e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpFinalize, DocumentID: "doc",
	}))

	got := e.store.record(t, "doc")
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "gs://test-bucket/translated/doc.html", got.TranslatedTextGCSUri)
	assert.Empty(t, got.TranslatedText, "inline text and pointer are mutually exclusive")
	assert.Contains(t, e.blobs.uploads["translated/doc.html"], "長")
}

// --- completion check ---

func TestCompletionCheck_RearmsWhileWorkOutstanding(t *testing.T) {
	e := newEnv(Config{CompletionCheckDelay: 5 * time.Minute}, nil)
	rec := extractedRecord("doc", 1, 2)
	e.seedRecord(rec)
	require.NoError(t, e.store.UpsertChapterResult(context.Background(), "doc", models.ChapterResult{Number: 1}))

	require.NoError(t, e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpCompletionCheck, DocumentID: "doc",
		Params: map[string]string{"sweep": "3"},
	}))

	checks := e.queue.byOp(models.OpCompletionCheck)
	require.Len(t, checks, 1)
	assert.Equal(t, "completion_check--doc--004", checks[0].Name)
	assert.Equal(t, "4", checks[0].Payload.Params["sweep"])
	assert.Equal(t, 5*time.Minute, checks[0].Delay)
}

func TestCompletionCheck_SweepBudgetExhausted(t *testing.T) {
	e := newEnv(Config{MaxCompletionSweeps: 12}, nil)
	rec := extractedRecord("doc", 1, 2)
	e.seedRecord(rec)

	require.NoError(t, e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpCompletionCheck, DocumentID: "doc",
		Params: map[string]string{"sweep": "11"},
	}))
	assert.Empty(t, e.queue.byOp(models.OpCompletionCheck), "exhausted watchdog must stop re-arming")
}

func TestCompletionCheck_FinalizesFinishedDocument(t *testing.T) {
	e := newEnv(Config{}, nil)
	rec := extractedRecord("doc", 1, 2)
	e.seedRecord(rec)
	e.invoker.opened["doc"] = true
	for n := 1; n <= 2; n++ {
		require.NoError(t, e.store.UpsertChapterResult(context.Background(), "doc", models.ChapterResult{
			Number: n, TranslatedText: fmt.Sprintf("<p>%d</p>", n),
		}))
	}

	require.NoError(t, e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpCompletionCheck, DocumentID: "doc",
		Params: map[string]string{"sweep": "2"},
	}))

	got := e.store.record(t, "doc")
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Empty(t, e.queue.byOp(models.OpCompletionCheck), "a completed document needs no further sweeps")
}

// --- dispatcher contract ---

func TestHandle_RejectsUnknownOperation(t *testing.T) {
	e := newEnv(Config{}, nil)
	err := e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: "bogus", DocumentID: "doc",
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.Validation))
}

func TestHandle_TransientFailureLeftToQueueRetry(t *testing.T) {
	e := newEnv(Config{}, func(prompt string) (string, error) {
		return "", apperr.Errorf(apperr.UpstreamTransient, "fake.Invoke", "deadline exceeded")
	})
	rec := extractedRecord("doc", 1)
	e.seedRecord(rec)
	e.invoker.opened["doc"] = true

	err := e.stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpTranslate, DocumentID: "doc", Chapter: &rec.Chapters[0],
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.UpstreamTransient))

	got := e.store.record(t, "doc")
	assert.Equal(t, models.StatusMetadataExtracted, got.Status,
		"a retryable failure must not fail the document")
}

// --- related papers ---

func TestRelatedPapers_FailureIsAbsorbed(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue()
	invoker := newFakeInvoker(scriptedResponses)
	stages := NewStages(store, newFakeBlobs(), invoker, q, noopTelemetry{},
		&fakeRelated{err: errors.New("api quota exceeded")}, nil, Config{})

	rec := extractedRecord("doc", 1)
	rec.Metadata = &models.PaperMetadata{Title: "Test Paper"}
	store.records["doc"] = rec

	err := stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpRelatedPapers, DocumentID: "doc",
	})
	require.NoError(t, err, "enrichment failure must never fail the pipeline")
	assert.Equal(t, models.StatusMetadataExtracted, store.record(t, "doc").Status)
}

func TestRelatedPapers_PersistsResults(t *testing.T) {
	store := newFakeStore()
	related := &fakeRelated{papers: []models.RelatedPaper{{Title: "Neighbor Study", Year: "2019"}}}
	stages := NewStages(store, newFakeBlobs(), newFakeInvoker(scriptedResponses), newFakeQueue(),
		noopTelemetry{}, related, nil, Config{})

	rec := extractedRecord("doc", 1)
	rec.Metadata = &models.PaperMetadata{Title: "Test Paper"}
	store.records["doc"] = rec

	require.NoError(t, stages.Handle(context.Background(), &models.TaskPayload{
		Operation: models.OpRelatedPapers, DocumentID: "doc",
	}))

	got := store.record(t, "doc")
	require.Len(t, got.RelatedPapers, 1)
	assert.Equal(t, "Neighbor Study", got.RelatedPapers[0].Title)
}
