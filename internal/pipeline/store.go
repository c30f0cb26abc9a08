package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/paperflow/internal/apperr"
	"github.com/Lllllllleong/paperflow/internal/models"
)

// chaptersSubcollection holds one ChapterResult per chapter, keyed by the
// chapter number so redelivered translate tasks overwrite instead of append.
const chaptersSubcollection = "chapters"

// FirestoreStore implements RecordStore on Firestore.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore wraps a Firestore client. collection defaults to
// "papers".
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "papers"
	}
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) doc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) CreateRecord(ctx context.Context, rec *models.PaperRecord) error {
	const op = "store.CreateRecord"
	if _, err := s.doc(rec.ID).Create(ctx, rec); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil // redelivered upload event
		}
		return apperr.E(apperr.Infrastructure, op, fmt.Errorf("create record %s: %w", rec.ID, err))
	}
	return nil
}

func (s *FirestoreStore) GetRecord(ctx context.Context, id string) (*models.PaperRecord, error) {
	const op = "store.GetRecord"
	snap, err := s.doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, apperr.Errorf(apperr.NotFound, op, "record %s not found", id)
		}
		return nil, apperr.E(apperr.Infrastructure, op, fmt.Errorf("get record %s: %w", id, err))
	}
	var rec models.PaperRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, apperr.E(apperr.Infrastructure, op, fmt.Errorf("decode record %s: %w", id, err))
	}
	rec.ID = snap.Ref.ID
	return &rec, nil
}

func (s *FirestoreStore) SaveExtraction(ctx context.Context, id string, meta *models.PaperMetadata, chapters []models.ChapterSpec, pageCount int) error {
	const op = "store.SaveExtraction"
	updates := []firestore.Update{
		{Path: "metadata", Value: meta},
		{Path: "chapters", Value: chapters},
		{Path: "pageCount", Value: pageCount},
		{Path: "status", Value: models.StatusMetadataExtracted},
	}
	if _, err := s.doc(id).Update(ctx, updates); err != nil {
		return apperr.E(apperr.Infrastructure, op, fmt.Errorf("persist extraction for %s: %w", id, err))
	}
	return nil
}

func (s *FirestoreStore) UpsertChapterResult(ctx context.Context, id string, result models.ChapterResult) error {
	const op = "store.UpsertChapterResult"
	ref := s.doc(id).Collection(chaptersSubcollection).Doc(strconv.Itoa(result.Number))
	if _, err := ref.Set(ctx, result); err != nil {
		return apperr.E(apperr.Infrastructure, op,
			fmt.Errorf("upsert chapter %d of %s: %w", result.Number, id, err))
	}
	return nil
}

func (s *FirestoreStore) ListChapterResults(ctx context.Context, id string) ([]models.ChapterResult, error) {
	const op = "store.ListChapterResults"
	var results []models.ChapterResult
	it := s.doc(id).Collection(chaptersSubcollection).Documents(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, apperr.E(apperr.Infrastructure, op, fmt.Errorf("list chapters of %s: %w", id, err))
		}
		var result models.ChapterResult
		if err := snap.DataTo(&result); err != nil {
			return nil, apperr.E(apperr.Infrastructure, op, fmt.Errorf("decode chapter of %s: %w", id, err))
		}
		results = append(results, result)
	}
	// Assembly order is always ascending chapter number, never arrival order.
	sort.Slice(results, func(i, j int) bool { return results[i].Number < results[j].Number })
	return results, nil
}

func (s *FirestoreStore) CountChapterResults(ctx context.Context, id string) (int, error) {
	const op = "store.CountChapterResults"
	refs, err := s.doc(id).Collection(chaptersSubcollection).Select().Documents(ctx).GetAll()
	if err != nil {
		return 0, apperr.E(apperr.Infrastructure, op, fmt.Errorf("count chapters of %s: %w", id, err))
	}
	return len(refs), nil
}

func (s *FirestoreStore) AppendSummary(ctx context.Context, id, fragment string) error {
	const op = "store.AppendSummary"
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.doc(id))
		if err != nil {
			return err
		}
		var rec models.PaperRecord
		if err := snap.DataTo(&rec); err != nil {
			return err
		}
		return tx.Update(s.doc(id), []firestore.Update{
			{Path: "summary", Value: rec.Summary + fragment},
		})
	})
	if err != nil {
		return apperr.E(apperr.Infrastructure, op, fmt.Errorf("append summary for %s: %w", id, err))
	}
	return nil
}

func (s *FirestoreStore) SaveFinalInline(ctx context.Context, id, text string) error {
	const op = "store.SaveFinalInline"
	updates := []firestore.Update{
		{Path: "translatedText", Value: text},
		{Path: "translatedTextGcsUri", Value: firestore.Delete},
	}
	if _, err := s.doc(id).Update(ctx, updates); err != nil {
		return apperr.E(apperr.Infrastructure, op, fmt.Errorf("save inline text for %s: %w", id, err))
	}
	return nil
}

func (s *FirestoreStore) SaveFinalPointer(ctx context.Context, id, gcsURI string) error {
	const op = "store.SaveFinalPointer"
	updates := []firestore.Update{
		{Path: "translatedTextGcsUri", Value: gcsURI},
		{Path: "translatedText", Value: firestore.Delete},
	}
	if _, err := s.doc(id).Update(ctx, updates); err != nil {
		return apperr.E(apperr.Infrastructure, op, fmt.Errorf("save text pointer for %s: %w", id, err))
	}
	return nil
}

func (s *FirestoreStore) SetAIContextID(ctx context.Context, id, contextID string) error {
	const op = "store.SetAIContextID"
	if _, err := s.doc(id).Update(ctx, []firestore.Update{{Path: "aiContextId", Value: contextID}}); err != nil {
		return apperr.E(apperr.Infrastructure, op, fmt.Errorf("set AI context for %s: %w", id, err))
	}
	return nil
}

func (s *FirestoreStore) SetRelatedPapers(ctx context.Context, id string, papers []models.RelatedPaper) error {
	const op = "store.SetRelatedPapers"
	if _, err := s.doc(id).Update(ctx, []firestore.Update{{Path: "relatedPapers", Value: papers}}); err != nil {
		return apperr.E(apperr.Infrastructure, op, fmt.Errorf("set related papers for %s: %w", id, err))
	}
	return nil
}

func (s *FirestoreStore) SetCompleted(ctx context.Context, id string, at time.Time) error {
	const op = "store.SetCompleted"
	updates := []firestore.Update{
		{Path: "status", Value: models.StatusCompleted},
		{Path: "completedAt", Value: at},
	}
	if _, err := s.doc(id).Update(ctx, updates); err != nil {
		return apperr.E(apperr.Infrastructure, op, fmt.Errorf("mark %s completed: %w", id, err))
	}
	return nil
}

func (s *FirestoreStore) SetError(ctx context.Context, id, details string) error {
	const op = "store.SetError"
	updates := []firestore.Update{
		{Path: "status", Value: models.StatusError},
		{Path: "errorDetails", Value: details},
	}
	if _, err := s.doc(id).Update(ctx, updates); err != nil {
		return apperr.E(apperr.Infrastructure, op, fmt.Errorf("mark %s failed: %w", id, err))
	}
	return nil
}
