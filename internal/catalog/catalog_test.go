package catalog

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(t.TempDir(), store.DefaultSchema(), zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeeder_Defaults(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	report, err := NewSeeder(s, zap.NewNop()).Seed(ctx, Defaults())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if report.Inserted[store.Colleges] != 5 || report.Inserted[store.OfflineRecommendations] != 5 {
		t.Fatalf("unexpected report: %+v", report)
	}

	karnataka, err := s.Query(ctx, store.Colleges, "state", "Karnataka", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(karnataka) != 2 {
		t.Fatalf("expected 2 colleges in Karnataka, got %d", len(karnataka))
	}

	active, _ := s.Query(ctx, store.Scholarships, "active", "true", nil)
	if len(active) != 2 {
		t.Fatalf("expected 2 active scholarships, got %d", len(active))
	}

	math, _ := s.Query(ctx, store.OfflineRecommendations, "keyword", "math", nil)
	if len(math) != 2 {
		t.Fatalf("expected 2 profiles for keyword math, got %d", len(math))
	}

	hindi, _ := s.Query(ctx, store.QuizQuestions, "language", "hi", nil)
	if len(hindi) != 1 {
		t.Fatalf("expected 1 hindi question, got %d", len(hindi))
	}
}

func TestSeeder_KeepsExistingUnlessOverwrite(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	fsys := fstest.MapFS{
		"colleges.yml": {Data: []byte(`
records:
  - id: c1
    name: First
    state: Kerala
`)},
	}

	seeder := NewSeeder(s, zap.NewNop())
	if _, err := seeder.Seed(ctx, fsys); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	s.Put(ctx, store.Colleges, "c1", map[string]any{"id": "c1", "name": "Edited", "state": "Kerala"})

	report, err := seeder.Seed(ctx, fsys)
	if err != nil {
		t.Fatalf("second Seed: %v", err)
	}
	if report.Skipped[store.Colleges] != 1 {
		t.Fatalf("expected existing record skipped, got %+v", report)
	}
	var doc struct{ Name string }
	rec, _ := s.Get(ctx, store.Colleges, "c1")
	rec.Decode(&doc)
	if doc.Name != "Edited" {
		t.Fatalf("existing record overwritten: %s", doc.Name)
	}

	seeder.Overwrite = true
	if _, err := seeder.Seed(ctx, fsys); err != nil {
		t.Fatalf("overwrite Seed: %v", err)
	}
	rec, _ = s.Get(ctx, store.Colleges, "c1")
	rec.Decode(&doc)
	if doc.Name != "First" {
		t.Fatalf("expected overwrite, got %s", doc.Name)
	}
}

func TestSeeder_InvalidFiles(t *testing.T) {
	tests := []struct {
		name string
		file string
		data string
		want error
	}{
		{"bad_yaml", "colleges.yaml", "records: [", ErrInvalidSeed},
		{"missing_key", "colleges.yaml", "records:\n  - name: x\n", ErrInvalidSeed},
		{"user_data", "x.yaml", "collection: user_data\nrecords: []\n", ErrInvalidSeed},
		{"unknown_collection", "planets.yaml", "records:\n  - id: mars\n", store.ErrUnknownCollection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupTestStore(t)
			fsys := fstest.MapFS{tt.file: {Data: []byte(tt.data)}}
			_, err := NewSeeder(s, zap.NewNop()).Seed(context.Background(), fsys)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSeeder_IgnoresOtherFiles(t *testing.T) {
	s := setupTestStore(t)
	fsys := fstest.MapFS{
		"README.md":     {Data: []byte("# seeds")},
		"nested/a.yaml": {Data: []byte("records: [")},
	}
	report, err := NewSeeder(s, zap.NewNop()).Seed(context.Background(), fsys)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if report.Total() != 0 {
		t.Fatalf("expected nothing written, got %+v", report)
	}
}
