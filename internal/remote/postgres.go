package remote

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/syncqueue"
)

//go:embed migrations/*.up.sql
var migrationFS embed.FS

// PostgresConfig holds database connection parameters.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN builds a keyword/value connection string.
func (c PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode)
	if c.Password != "" {
		dsn += " password=" + c.Password
	}
	return dsn
}

// Connect opens a pgx pool and verifies it.
func Connect(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "compassd"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)
	return pool, nil
}

// DBTX is the subset of pgxpool.Pool the sink uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSink writes quiz submissions, recommendations and profile updates.
// Every insert is keyed by action id so a replayed action is a no-op.
type PostgresSink struct {
	db     DBTX
	logger *zap.Logger
}

func NewPostgresSink(db DBTX, logger *zap.Logger) *PostgresSink {
	return &PostgresSink{db: db, logger: logger.Named("remote.postgres")}
}

// EnsureSchema applies embedded migrations that have not run yet.
func (s *PostgresSink) EnsureSchema(ctx context.Context) (int, error) {
	if _, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return 0, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrationFS, "migrations/*.up.sql")
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	applied := 0
	for _, path := range names {
		name := strings.TrimPrefix(path, "migrations/")

		var exists bool
		if err := s.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check applied %s: %w", name, err)
		}
		if exists {
			continue
		}

		contents, err := migrationFS.ReadFile(path)
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", name, err)
		}
		// Simple protocol allows several statements per file.
		if _, err := s.db.Exec(ctx, string(contents), pgx.QueryExecModeSimpleProtocol); err != nil {
			return applied, fmt.Errorf("execute %s: %w", name, err)
		}
		if _, err := s.db.Exec(ctx,
			"INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name,
		); err != nil {
			return applied, fmt.Errorf("mark applied %s: %w", name, err)
		}

		applied++
		s.logger.Info("migration applied", zap.String("name", name))
	}
	return applied, nil
}

type quizPayload struct {
	UserID  string            `json:"user_id"`
	Answers map[string]string `json:"answers"`
}

type recommendationPayload struct {
	UserID             string          `json:"user_id"`
	RecommendationType string          `json:"recommendation_type"`
	Result             json.RawMessage `json:"result"`
}

type profilePayload struct {
	UserID  string          `json:"user_id"`
	Profile json.RawMessage `json:"profile"`
}

// Execute applies a to the database. Malformed payloads fail permanently.
func (s *PostgresSink) Execute(ctx context.Context, a syncqueue.Action) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch a.Type {
	case TypeQuizAnswers:
		var p quizPayload
		if err := decodePayload(a, &p); err != nil {
			return err
		}
		answers, _ := json.Marshal(p.Answers)
		tag, err = s.db.Exec(ctx, `
			INSERT INTO quiz_submissions (action_id, user_id, answers, submitted_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (action_id) DO NOTHING`,
			a.ID, p.UserID, answers, a.CreatedAt,
		)

	case TypeRecommendation:
		var p recommendationPayload
		if err := decodePayload(a, &p); err != nil {
			return err
		}
		if len(p.Result) == 0 {
			return fmt.Errorf("%w: recommendation %s has no result", syncqueue.ErrPermanent, a.ID)
		}
		tag, err = s.db.Exec(ctx, `
			INSERT INTO recommendations (action_id, user_id, recommendation_type, result, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (action_id) DO NOTHING`,
			a.ID, p.UserID, p.RecommendationType, []byte(p.Result), a.CreatedAt,
		)

	case TypeProfileUpdate:
		var p profilePayload
		if err := decodePayload(a, &p); err != nil {
			return err
		}
		tag, err = s.db.Exec(ctx, `
			INSERT INTO profile_updates (action_id, user_id, profile, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (action_id) DO NOTHING`,
			a.ID, p.UserID, []byte(p.Profile), a.CreatedAt,
		)

	default:
		return fmt.Errorf("%w: postgres sink cannot apply %q", syncqueue.ErrPermanent, a.Type)
	}

	if err != nil {
		s.logger.Error("failed to apply sync action",
			zap.String("action_id", a.ID),
			zap.String("type", a.Type),
			zap.Error(err),
		)
		return fmt.Errorf("apply %s: %w", a.Type, err)
	}

	if tag.RowsAffected() == 0 {
		s.logger.Info("sync action already applied",
			zap.String("action_id", a.ID),
			zap.String("type", a.Type),
		)
	}
	return nil
}

var errNoUser = errors.New("user_id is required")

func decodePayload(a syncqueue.Action, v any) error {
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("%w: decoding %s payload: %w", syncqueue.ErrPermanent, a.Type, err)
	}
	var user string
	switch p := v.(type) {
	case *quizPayload:
		user = p.UserID
	case *recommendationPayload:
		user = p.UserID
	case *profilePayload:
		user = p.UserID
		if len(p.Profile) == 0 {
			return fmt.Errorf("%w: %s payload has no profile", syncqueue.ErrPermanent, a.Type)
		}
	}
	if user == "" {
		return fmt.Errorf("%w: %s payload: %w", syncqueue.ErrPermanent, a.Type, errNoUser)
	}
	return nil
}
