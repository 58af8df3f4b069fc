package store_test

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/archivum-ai/archivum/internal/log"
	"github.com/archivum-ai/archivum/internal/store"
	"github.com/archivum-ai/archivum/internal/testutil"
)

const testDimensions = 1536

func integrationDB(t *testing.T) *store.Store {
	t.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") != "" {
		t.Skip("SKIP_DOCKER_TESTS set")
	}
	tdb := testutil.SetupPostgres(t)
	return store.New(tdb.Pool, testDimensions, log.NewNop())
}

// unitVector builds a normalized vector pointing mostly along axis.
func unitVector(axis int) []float32 {
	vec := make([]float32, testDimensions)
	vec[axis] = 1
	return vec
}

func TestUpsertAndNearest(t *testing.T) {
	s := integrationDB(t)
	ctx := context.Background()

	docs := []store.Document{
		{ID: "alpha", Title: "Alpha", Content: "first document", Embedding: unitVector(0)},
		{ID: "beta", Title: "Beta", Content: "second document", Embedding: unitVector(1)},
		{ID: "gamma", Title: "Gamma", Content: "third document", Embedding: unitVector(2)},
	}
	for _, doc := range docs {
		if err := s.Upsert(ctx, doc); err != nil {
			t.Fatalf("Upsert(%s) error = %v", doc.ID, err)
		}
	}

	results, err := s.Nearest(ctx, unitVector(0), 2)
	if err != nil {
		t.Fatalf("Nearest() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != "alpha" {
		t.Errorf("results[0].ID = %q, want alpha", results[0].ID)
	}
	if math.Abs(results[0].Similarity-1.0) > 1e-6 {
		t.Errorf("results[0].Similarity = %g, want 1.0", results[0].Similarity)
	}
	if results[1].Similarity > results[0].Similarity {
		t.Error("results not ordered by decreasing similarity")
	}
}

func TestUpsert_Idempotent(t *testing.T) {
	s := integrationDB(t)
	ctx := context.Background()

	doc := store.Document{ID: "doc-1", Title: "Title", Content: "content", Embedding: unitVector(0)}
	if err := s.Upsert(ctx, doc); err != nil {
		t.Fatalf("first Upsert() error = %v", err)
	}
	if err := s.Upsert(ctx, doc); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}

	// Re-upsert with new content replaces the row.
	doc.Content = "updated content"
	if err := s.Upsert(ctx, doc); err != nil {
		t.Fatalf("update Upsert() error = %v", err)
	}
	results, err := s.Nearest(ctx, unitVector(0), 1)
	if err != nil {
		t.Fatalf("Nearest() error = %v", err)
	}
	if len(results) != 1 || results[0].Content != "updated content" {
		t.Errorf("updated content not visible: %+v", results)
	}
}

func TestNearest_EmptyStore(t *testing.T) {
	s := integrationDB(t)

	results, err := s.Nearest(context.Background(), unitVector(0), 3)
	if err != nil {
		t.Fatalf("Nearest() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from empty store, want 0", len(results))
	}
}

func TestNearest_InvalidLimit(t *testing.T) {
	s := store.New(nil, testDimensions, log.NewNop())

	if _, err := s.Nearest(context.Background(), unitVector(0), 0); err == nil {
		t.Error("Nearest(limit=0) error = nil, want error")
	}
}

func TestDimensionMismatch(t *testing.T) {
	// Checked before any SQL runs, so no database is needed.
	s := store.New(nil, testDimensions, log.NewNop())
	ctx := context.Background()

	short := make([]float32, 3)
	if err := s.Upsert(ctx, store.Document{ID: "x", Embedding: short}); !errors.Is(err, store.ErrDimensionMismatch) {
		t.Errorf("Upsert() error = %v, want ErrDimensionMismatch", err)
	}
	if _, err := s.Nearest(ctx, short, 3); !errors.Is(err, store.ErrDimensionMismatch) {
		t.Errorf("Nearest() error = %v, want ErrDimensionMismatch", err)
	}
}

func TestDelete(t *testing.T) {
	s := integrationDB(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, store.Document{ID: "doomed", Content: "x", Embedding: unitVector(0)}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.Delete(ctx, "doomed"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("Delete(absent) error = %v, want nil", err)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 0 {
		t.Errorf("Count() = %d, want 0", count)
	}
}
