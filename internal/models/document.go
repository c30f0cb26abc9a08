package models

import "time"

// Pipeline statuses for a PaperRecord. Transitions are monotonic:
// pending -> metadata_extracted -> completed, with error reachable from any
// state. completed and error are terminal; no task is enqueued from either.
const (
	StatusPending           = "pending"
	StatusMetadataExtracted = "metadata_extracted"
	StatusCompleted         = "completed"
	StatusError             = "error"
)

// IsTerminalStatus reports whether no further pipeline work may run for a
// record in the given status.
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusError
}

// PaperRecord is the root Firestore document for one uploaded paper.
// Concurrent task handlers only ever upsert into the chapters subcollection
// or update disjoint top-level fields; a field, once validly set, is never
// removed except when superseded by a later stage result (the inline text and
// GCS pointer fields are mutually exclusive).
type PaperRecord struct {
	ID                   string         `firestore:"-"`
	OwnerID              string         `firestore:"ownerId,omitempty"`
	SourceGCSUri         string         `firestore:"sourceGcsUri,omitempty"`
	OriginalFilename     string         `firestore:"originalFilename,omitempty"`
	AIContextID          string         `firestore:"aiContextId,omitempty"`
	Status               string         `firestore:"status,omitempty"`
	ErrorDetails         string         `firestore:"errorDetails,omitempty"`
	PageCount            int            `firestore:"pageCount,omitempty"`
	Metadata             *PaperMetadata `firestore:"metadata,omitempty"`
	Chapters             []ChapterSpec  `firestore:"chapters,omitempty"`
	Summary              string         `firestore:"summary,omitempty"`
	TranslatedText       string         `firestore:"translatedText,omitempty"`
	TranslatedTextGCSUri string         `firestore:"translatedTextGcsUri,omitempty"`
	RelatedPapers        []RelatedPaper `firestore:"relatedPapers,omitempty"`
	UploadedAt           time.Time      `firestore:"uploadedAt,omitempty"`
	CompletedAt          *time.Time     `firestore:"completedAt,omitempty"`
}

// PaperMetadata is the structured result of the metadata-extraction stage.
type PaperMetadata struct {
	Title    string   `firestore:"title,omitempty" json:"title"`
	Authors  []Author `firestore:"authors,omitempty" json:"authors"`
	Year     string   `firestore:"year,omitempty" json:"year"`
	Journal  string   `firestore:"journal,omitempty" json:"journal"`
	DOI      string   `firestore:"doi,omitempty" json:"doi"`
	Keywords []string `firestore:"keywords,omitempty" json:"keywords"`
	Abstract string   `firestore:"abstract,omitempty" json:"abstract"`
}

// Author of the source paper.
type Author struct {
	Name        string `firestore:"name,omitempty" json:"name"`
	Affiliation string `firestore:"affiliation,omitempty" json:"affiliation"`
}

// ChapterSpec is one entry of the chapter manifest. Produced exactly once by
// the extraction stage and immutable thereafter. Chapter numbers are unique
// within a document but not necessarily contiguous or zero-based.
type ChapterSpec struct {
	Number    int    `firestore:"chapterNumber" json:"chapter_number"`
	Title     string `firestore:"title,omitempty" json:"title"`
	TitleJa   string `firestore:"titleJa,omitempty" json:"title_ja"`
	StartPage int    `firestore:"startPage,omitempty" json:"start_page"`
	EndPage   int    `firestore:"endPage,omitempty" json:"end_page"`
}

// ChapterResult lives in the chapters subcollection of a PaperRecord, keyed
// by chapter number. A redelivered translate task overwrites the document
// rather than creating a duplicate.
type ChapterResult struct {
	Number         int       `firestore:"chapterNumber"`
	TranslatedText string    `firestore:"translatedText,omitempty"`
	UpdatedAt      time.Time `firestore:"updatedAt,omitempty"`
}

// RelatedPaper is one best-effort enrichment result.
type RelatedPaper struct {
	Title   string `firestore:"title,omitempty" json:"title"`
	Authors string `firestore:"authors,omitempty" json:"authors"`
	Year    string `firestore:"year,omitempty" json:"year"`
	URL     string `firestore:"url,omitempty" json:"url"`
}
