package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir(), DefaultSchema(), zap.NewNop())
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type college struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	State        string `json:"state"`
	Type         string `json:"type"`
	IsGovernment bool   `json:"is_government"`
}

func TestStore_PutGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	in := college{ID: "c1", Name: "Govt College", State: "Punjab", Type: "engineering", IsGovernment: true}
	if err := s.Put(ctx, Colleges, in.ID, in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := GetAs[college](ctx, s, Colleges, "c1")
	if err != nil {
		t.Fatalf("GetAs: %v", err)
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.Get(context.Background(), Colleges, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_PutLastWriteWins(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	s.Put(ctx, Colleges, "c1", college{ID: "c1", State: "Punjab"})
	s.Put(ctx, Colleges, "c1", college{ID: "c1", State: "Kerala"})

	got, err := QueryAs[college](ctx, s, Colleges, "state", "Punjab", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("stale index entry survived overwrite: %+v", got)
	}
	got, _ = QueryAs[college](ctx, s, Colleges, "state", "Kerala", nil)
	if len(got) != 1 {
		t.Fatalf("expected 1 record in Kerala, got %d", len(got))
	}
}

func TestStore_QueryByIndex(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	s.Put(ctx, Colleges, "c1", college{ID: "c1", State: "Punjab", IsGovernment: true})
	s.Put(ctx, Colleges, "c2", college{ID: "c2", State: "Punjab", IsGovernment: false})
	s.Put(ctx, Colleges, "c3", college{ID: "c3", State: "Kerala", IsGovernment: true})

	tests := []struct {
		name  string
		index string
		value string
		want  []string
	}{
		{"state", "state", "Punjab", []string{"c1", "c2"}},
		{"bool_index", "government", "true", []string{"c1", "c3"}},
		{"no_match", "state", "Goa", nil},
		{"full_scan", "", "", []string{"c1", "c2", "c3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.Query(ctx, Colleges, tt.index, tt.value, nil)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(recs) != len(tt.want) {
				t.Fatalf("expected %d records, got %d", len(tt.want), len(recs))
			}
			for i, rec := range recs {
				if rec.Key != tt.want[i] {
					t.Errorf("record %d: expected %s, got %s", i, tt.want[i], rec.Key)
				}
			}
		})
	}
}

func TestStore_QueryWithFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	s.Put(ctx, Colleges, "c1", college{ID: "c1", State: "Punjab", Type: "medical"})
	s.Put(ctx, Colleges, "c2", college{ID: "c2", State: "Punjab", Type: "engineering"})

	got, err := QueryAs(ctx, s, Colleges, "state", "Punjab", func(c college) bool { return c.Type == "medical" })
	if err != nil {
		t.Fatalf("QueryAs: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestStore_MultiValuedIndex(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	type rec struct {
		Keywords []string `json:"keywords"`
	}
	s.Put(ctx, OfflineRecommendations, "r1", rec{Keywords: []string{"math", "science", "math"}})
	s.Put(ctx, OfflineRecommendations, "r2", rec{Keywords: []string{"art"}})

	for kw, want := range map[string]int{"math": 1, "science": 1, "art": 1, "music": 0} {
		recs, err := s.Query(ctx, OfflineRecommendations, "keyword", kw, nil)
		if err != nil {
			t.Fatalf("Query %s: %v", kw, err)
		}
		if len(recs) != want {
			t.Errorf("keyword %s: expected %d, got %d", kw, want, len(recs))
		}
	}
}

func TestStore_CompositeIndex(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	s.Put(ctx, UserData, "n1", map[string]any{"kind": "notification", "status": "pending", "user_id": "u1"})
	s.Put(ctx, UserData, "n2", map[string]any{"kind": "notification", "status": "sent", "user_id": "u1"})
	s.Put(ctx, UserData, "n3", map[string]any{"kind": "notification", "user_id": "u2"})

	recs, err := s.Query(ctx, UserData, IndexKindStatus, CompositeValue("notification", "pending"), nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 || recs[0].Key != "n1" {
		t.Fatalf("unexpected result: %+v", recs)
	}

	recs, _ = s.Query(ctx, UserData, IndexKindUser, CompositeValue("notification", "u1"), nil)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records for u1, got %d", len(recs))
	}
}

func TestStore_Delete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	s.Put(ctx, Colleges, "c1", college{ID: "c1", State: "Punjab"})
	if err := s.Delete(ctx, Colleges, "c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, Colleges, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	recs, _ := s.Query(ctx, Colleges, "state", "Punjab", nil)
	if len(recs) != 0 {
		t.Fatalf("index entry survived delete: %+v", recs)
	}
	if err := s.Delete(ctx, Colleges, "c1"); err != nil {
		t.Fatalf("deleting a missing key should succeed, got %v", err)
	}
}

func TestStore_Insert(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	created, err := s.Insert(ctx, Colleges, "c1", college{ID: "c1", Name: "first"})
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	created, err = s.Insert(ctx, Colleges, "c1", college{ID: "c1", Name: "second"})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatal("second insert should not create")
	}

	got, _ := GetAs[college](ctx, s, Colleges, "c1")
	if got.Name != "first" {
		t.Fatalf("insert overwrote existing record: %+v", got)
	}
}

func TestStore_Update(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	s.Put(ctx, Colleges, "c1", college{ID: "c1", State: "Punjab"})

	err := UpdateAs(ctx, s, Colleges, "c1", func(c *college) error {
		c.State = "Kerala"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateAs: %v", err)
	}
	recs, _ := s.Query(ctx, Colleges, "state", "Kerala", nil)
	if len(recs) != 1 {
		t.Fatalf("expected index to follow update, got %d", len(recs))
	}

	err = UpdateAs(ctx, s, Colleges, "c1", func(c *college) error {
		c.State = "Goa"
		return ErrSkipUpdate
	})
	if err != nil {
		t.Fatalf("skipped update returned error: %v", err)
	}
	got, _ := GetAs[college](ctx, s, Colleges, "c1")
	if got.State != "Kerala" {
		t.Fatalf("skipped update was written: %+v", got)
	}

	if err := UpdateAs(ctx, s, Colleges, "missing", func(*college) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateCallbackError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	s.Put(ctx, Colleges, "c1", college{ID: "c1", State: "Punjab"})

	boom := errors.New("boom")
	err := s.Update(ctx, Colleges, "c1", func(json.RawMessage) (any, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestStore_UnknownCollection(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "nope", "k", 1); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
	if _, err := s.Query(ctx, Colleges, "nope", "x", nil); !errors.Is(err, ErrUnknownIndex) {
		t.Fatalf("expected ErrUnknownIndex, got %v", err)
	}
}

func TestStore_ConcurrentInitOpensOnce(t *testing.T) {
	s := New(t.TempDir(), DefaultSchema(), zap.NewNop())
	defer s.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Init(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
	}
	if n := s.opens.Load(); n != 1 {
		t.Fatalf("expected a single open, got %d", n)
	}
}

func TestStore_DurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := New(dir, DefaultSchema(), zap.NewNop())
	if err := first.Put(ctx, UserData, "sync:a1", map[string]any{"kind": "sync_action", "status": "pending"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	first.Close()

	second := New(dir, DefaultSchema(), zap.NewNop())
	defer second.Close()

	recs, err := second.Query(ctx, UserData, IndexKindStatus, CompositeValue("sync_action", "pending"), nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 || recs[0].Key != "sync:a1" {
		t.Fatalf("record did not survive reopen: %+v", recs)
	}
}

func TestStore_ReindexOnSchemaChange(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	v1 := Schema{Collections: []Collection{{Name: "things", Version: 1}}}
	first := New(dir, v1, zap.NewNop())
	first.Put(ctx, "things", "t1", map[string]any{"color": "red"})
	first.Close()

	v2 := Schema{Collections: []Collection{{Name: "things", Version: 2, Indexes: []Index{Field("color", "color")}}}}
	second := New(dir, v2, zap.NewNop())
	defer second.Close()

	recs, err := second.Query(ctx, "things", "color", "red", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected existing record to be indexed after upgrade, got %d", len(recs))
	}
}

func TestStore_Unavailable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(file, DefaultSchema(), zap.NewNop())
	ctx := context.Background()

	if err := s.Init(ctx); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable from Init, got %v", err)
	}
	if _, err := s.Get(ctx, Colleges, "c1"); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable from Get, got %v", err)
	}
	if err := s.Put(ctx, Colleges, "c1", college{}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable from Put, got %v", err)
	}
}

func TestStore_ClosedIsUnavailable(t *testing.T) {
	s := setupTestStore(t)
	s.Close()

	if _, err := s.Get(context.Background(), Colleges, "c1"); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable after Close, got %v", err)
	}
}

func TestStore_InMemory(t *testing.T) {
	s := New(":memory:", DefaultSchema(), zap.NewNop())
	defer s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, QuizQuestions, "q1", map[string]any{"category": "aptitude", "language": "en"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	recs, err := s.Query(ctx, QuizQuestions, "language", "en", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
}
