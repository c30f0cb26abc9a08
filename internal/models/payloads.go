package models

// Operation selects the task handler a queued task is dispatched to.
type Operation string

const (
	OpExtractMetadata Operation = "extract_metadata"
	OpTranslate       Operation = "translate"
	OpSummarize       Operation = "summarize"
	OpFinalize        Operation = "finalize"
	OpCompletionCheck Operation = "completion_check"
	OpRelatedPapers   Operation = "recommend_related_papers"
)

// Valid reports whether the operation tag is one the dispatcher knows.
// An unknown tag is a fatal, non-retryable error.
func (o Operation) Valid() bool {
	switch o {
	case OpExtractMetadata, OpTranslate, OpSummarize, OpFinalize, OpCompletionCheck, OpRelatedPapers:
		return true
	}
	return false
}

// TaskPayload is the JSON body of every task dispatched by Cloud Tasks to
// the task-handler function.
type TaskPayload struct {
	Operation    Operation         `json:"operation"`
	DocumentID   string            `json:"documentId"`
	SourceGCSUri string            `json:"sourceGcsUri,omitempty"`
	AIContextID  string            `json:"aiContextId,omitempty"`
	Chapter      *ChapterSpec      `json:"chapter,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
}
