package remote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/redis"
	"github.com/lalithlochan/compass/internal/syncqueue"
)

func action(id, typ, payload string) syncqueue.Action {
	return syncqueue.Action{
		ID:        id,
		Type:      typ,
		Payload:   json.RawMessage(payload),
		Status:    syncqueue.StatusSyncing,
		CreatedAt: time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC),
	}
}

// fakeDB records statements. Inserts keyed by an action id seen before
// report zero rows, like ON CONFLICT DO NOTHING.
type fakeDB struct {
	mu       sync.Mutex
	execs    []string
	args     [][]any
	seen     map[string]bool
	applied  map[string]bool
	failWith error
}

func newFakeDB() *fakeDB {
	return &fakeDB{seen: map[string]bool{}, applied: map[string]bool{}}
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return pgconn.CommandTag{}, f.failWith
	}
	f.execs = append(f.execs, sql)
	f.args = append(f.args, args)

	if strings.Contains(sql, "INSERT INTO schema_migrations") {
		f.applied[args[0].(string)] = true
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	if strings.Contains(sql, "ON CONFLICT (action_id)") {
		id := args[0].(string)
		if f.seen[id] {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		f.seen[id] = true
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeRow{exists: f.applied[args[0].(string)]}
}

type fakeRow struct{ exists bool }

func (r fakeRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = r.exists
	return nil
}

func (f *fakeDB) inserts(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sql := range f.execs {
		if strings.Contains(sql, "INSERT INTO "+table+" ") {
			n++
		}
	}
	return n
}

func TestPostgresSink_EnsureSchemaOnce(t *testing.T) {
	db := newFakeDB()
	sink := NewPostgresSink(db, zap.NewNop())
	ctx := context.Background()

	applied, err := sink.EnsureSchema(ctx)
	if err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if applied != 3 {
		t.Fatalf("expected 3 migrations applied, got %d", applied)
	}
	if !db.applied["001_quiz_submissions.up.sql"] {
		t.Fatal("first migration not recorded")
	}

	again, err := sink.EnsureSchema(ctx)
	if err != nil || again != 0 {
		t.Fatalf("second EnsureSchema = %d, %v; want 0, nil", again, err)
	}
}

func TestPostgresSink_AppliesActions(t *testing.T) {
	db := newFakeDB()
	sink := NewPostgresSink(db, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name    string
		action  syncqueue.Action
		table   string
		wantErr error
	}{
		{
			name:   "quiz_answers",
			action: action("a1", TypeQuizAnswers, `{"user_id":"u1","answers":{"q1":"math"}}`),
			table:  "quiz_submissions",
		},
		{
			name:   "recommendation",
			action: action("a2", TypeRecommendation, `{"user_id":"u1","recommendation_type":"AI","result":{"summary":"x"}}`),
			table:  "recommendations",
		},
		{
			name:   "profile_update",
			action: action("a3", TypeProfileUpdate, `{"user_id":"u1","profile":{"grade":12}}`),
			table:  "profile_updates",
		},
		{
			name:    "missing_user",
			action:  action("a4", TypeQuizAnswers, `{"answers":{}}`),
			wantErr: syncqueue.ErrPermanent,
		},
		{
			name:    "bad_json",
			action:  action("a5", TypeRecommendation, `not json`),
			wantErr: syncqueue.ErrPermanent,
		},
		{
			name:    "missing_result",
			action:  action("a6", TypeRecommendation, `{"user_id":"u1"}`),
			wantErr: syncqueue.ErrPermanent,
		},
		{
			name:    "unknown_type",
			action:  action("a7", "calendar_export", `{}`),
			wantErr: syncqueue.ErrPermanent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sink.Execute(ctx, tt.action)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if db.inserts(tt.table) != 1 {
				t.Fatalf("expected one insert into %s", tt.table)
			}
		})
	}
}

func TestPostgresSink_ReplayIsHarmless(t *testing.T) {
	db := newFakeDB()
	sink := NewPostgresSink(db, zap.NewNop())
	a := action("a1", TypeQuizAnswers, `{"user_id":"u1","answers":{"q1":"math"}}`)

	for i := 0; i < 2; i++ {
		if err := sink.Execute(context.Background(), a); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if len(db.seen) != 1 {
		t.Fatalf("expected a single stored row, got %d", len(db.seen))
	}
}

func TestPostgresSink_DatabaseErrorIsRetryable(t *testing.T) {
	db := newFakeDB()
	db.failWith = errors.New("connection reset")
	sink := NewPostgresSink(db, zap.NewNop())

	err := sink.Execute(context.Background(), action("a1", TypeQuizAnswers, `{"user_id":"u1","answers":{}}`))
	if err == nil || errors.Is(err, syncqueue.ErrPermanent) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestPostgresConfig_DSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, User: "compass", Database: "compass", SSLMode: "disable"}
	if got, want := cfg.DSN(), "host=db port=5432 user=compass dbname=compass sslmode=disable"; got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
	cfg.Password = "secret"
	if !strings.HasSuffix(cfg.DSN(), " password=secret") {
		t.Fatalf("password missing from %q", cfg.DSN())
	}
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSQSSink_Execute(t *testing.T) {
	client := &fakeSQS{}
	sink := NewSQSSink(client, "https://sqs.ap-south-1.amazonaws.com/123/compass-sync", zap.NewNop())

	a := action("a1", TypeQuizAnswers, `{"user_id":"u1"}`)
	a.RetryCount = 2
	if err := sink.Execute(context.Background(), a); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(client.inputs) != 1 {
		t.Fatalf("expected one message, got %d", len(client.inputs))
	}
	in := client.inputs[0]
	if in.MessageDeduplicationId != nil || in.MessageGroupId != nil {
		t.Fatal("standard queue must not set FIFO fields")
	}
	if got := aws.ToString(in.MessageAttributes["action_type"].StringValue); got != TypeQuizAnswers {
		t.Fatalf("action_type attribute = %q", got)
	}

	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &msg); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if msg.ActionID != "a1" || msg.Attempt != 3 || string(msg.Payload) != `{"user_id":"u1"}` {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestSQSSink_FIFODeduplicatesByActionID(t *testing.T) {
	client := &fakeSQS{}
	sink := NewSQSSink(client, "https://sqs.ap-south-1.amazonaws.com/123/compass-sync.fifo", zap.NewNop())

	if err := sink.Execute(context.Background(), action("a1", TypeRecommendation, `{}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	in := client.inputs[0]
	if aws.ToString(in.MessageDeduplicationId) != "a1" || aws.ToString(in.MessageGroupId) != TypeRecommendation {
		t.Fatalf("unexpected FIFO fields: %v / %v", in.MessageDeduplicationId, in.MessageGroupId)
	}
}

func TestSQSSink_SendError(t *testing.T) {
	sink := NewSQSSink(&fakeSQS{err: errors.New("throttled")}, "https://example/q", zap.NewNop())
	if err := sink.Execute(context.Background(), action("a1", TypeQuizAnswers, `{}`)); err == nil {
		t.Fatal("expected send error")
	}
}

type countingExecutor struct {
	calls int
	err   error
}

func (c *countingExecutor) Execute(ctx context.Context, a syncqueue.Action) error {
	c.calls++
	return c.err
}

func TestRouter_RoutesByType(t *testing.T) {
	quiz := &countingExecutor{}
	other := &countingExecutor{}
	r := NewRouter(zap.NewNop()).Handle(TypeQuizAnswers, quiz)
	ctx := context.Background()

	if err := r.Execute(ctx, action("a1", TypeQuizAnswers, `{}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := r.Execute(ctx, action("a2", "unknown", `{}`)); !errors.Is(err, syncqueue.ErrPermanent) {
		t.Fatalf("expected ErrPermanent for unrouted type, got %v", err)
	}

	r.Fallback(other)
	if err := r.Execute(ctx, action("a3", "unknown", `{}`)); err != nil {
		t.Fatalf("fallback Execute: %v", err)
	}
	if quiz.calls != 1 || other.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", quiz.calls, other.calls)
	}
	if got := r.Types(); len(got) != 1 || got[0] != TypeQuizAnswers {
		t.Fatalf("Types = %v", got)
	}
}

func setupTestGuard(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.New(context.Background(), redis.Config{Addr: mr.Addr()}, zap.NewNop())
	if err != nil {
		t.Fatalf("redis.New: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return redis.NewIdempotencyService(client, zap.NewNop())
}

func TestIdempotentExecutor_SkipsAppliedAction(t *testing.T) {
	guard := setupTestGuard(t)
	next := &countingExecutor{}
	exec := NewIdempotentExecutor(next, guard, zap.NewNop())
	a := action("a1", TypeQuizAnswers, `{}`)

	for i := 0; i < 3; i++ {
		if err := exec.Execute(context.Background(), a); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected one remote apply, got %d", next.calls)
	}
}

func TestIdempotentExecutor_FailureReleasesReservation(t *testing.T) {
	guard := setupTestGuard(t)
	next := &countingExecutor{err: errors.New("503")}
	exec := NewIdempotentExecutor(next, guard, zap.NewNop())
	a := action("a1", TypeQuizAnswers, `{}`)
	ctx := context.Background()

	if err := exec.Execute(ctx, a); err == nil {
		t.Fatal("expected failure to propagate")
	}
	next.err = nil
	if err := exec.Execute(ctx, a); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("expected retry to reach the sink, got %d calls", next.calls)
	}
}

func TestIdempotentExecutor_InterruptedReservationReapplies(t *testing.T) {
	guard := setupTestGuard(t)
	ctx := context.Background()
	if ok, err := guard.Reserve(ctx, TypeQuizAnswers, "a1"); err != nil || !ok {
		t.Fatalf("Reserve: %v %v", ok, err)
	}

	next := &countingExecutor{}
	exec := NewIdempotentExecutor(next, guard, zap.NewNop())
	if err := exec.Execute(ctx, action("a1", TypeQuizAnswers, `{}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected the action to be re-applied, got %d calls", next.calls)
	}
	if res, err := guard.Check(ctx, TypeQuizAnswers, "a1"); err != nil || res == nil {
		t.Fatalf("expected result recorded, got %+v, %v", res, err)
	}
}

type brokenGuard struct{}

func (brokenGuard) CheckOrReserve(context.Context, string, string) (*redis.IdempotencyResult, error) {
	return nil, errors.New("redis down")
}

func (brokenGuard) Store(context.Context, string, string, *redis.IdempotencyResult, time.Duration) error {
	return errors.New("redis down")
}

func (brokenGuard) Release(context.Context, string, string) error { return errors.New("redis down") }

func TestIdempotentExecutor_GuardUnavailable(t *testing.T) {
	next := &countingExecutor{}
	exec := NewIdempotentExecutor(next, brokenGuard{}, zap.NewNop())
	if err := exec.Execute(context.Background(), action("a1", TypeQuizAnswers, `{}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if next.calls != 1 {
		t.Fatal("action must still be applied when the guard is down")
	}
}
