// Package catalog seeds the read-mostly catalog collections from YAML files.
package catalog

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lalithlochan/compass/internal/store"
)

//go:embed seed/*.yaml
var defaultFS embed.FS

// Defaults returns the built-in seed files.
func Defaults() fs.FS {
	sub, err := fs.Sub(defaultFS, "seed")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrInvalidSeed is returned for a seed file that cannot be applied.
var ErrInvalidSeed = errors.New("invalid seed file")

type seedFile struct {
	Collection string           `yaml:"collection"`
	KeyField   string           `yaml:"key_field"`
	Records    []map[string]any `yaml:"records"`
}

// Report counts what a seeding pass did, per collection.
type Report struct {
	Inserted map[string]int `json:"inserted"`
	Updated  map[string]int `json:"updated"`
	Skipped  map[string]int `json:"skipped"`
}

func (r Report) Total() int {
	n := 0
	for _, c := range r.Inserted {
		n += c
	}
	for _, c := range r.Updated {
		n += c
	}
	return n
}

// Seeder writes seed records into the store.
type Seeder struct {
	store *store.Store
	// Overwrite replaces existing records. Otherwise existing keys are kept.
	Overwrite bool
	logger    *zap.Logger
}

func NewSeeder(s *store.Store, logger *zap.Logger) *Seeder {
	return &Seeder{store: s, logger: logger.Named("catalog")}
}

// Seed applies every .yaml and .yml file at the root of fsys in name order.
func (s *Seeder) Seed(ctx context.Context, fsys fs.FS) (Report, error) {
	report := Report{Inserted: map[string]int{}, Updated: map[string]int{}, Skipped: map[string]int{}}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return report, fmt.Errorf("reading seed dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		ext := path.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		if err := s.seedFile(ctx, fsys, entry.Name(), &report); err != nil {
			return report, err
		}
	}

	s.logger.Info("catalog seeded",
		zap.Int("written", report.Total()),
		zap.Any("inserted", report.Inserted),
		zap.Any("updated", report.Updated),
	)
	return report, nil
}

func (s *Seeder) seedFile(ctx context.Context, fsys fs.FS, name string, report *Report) error {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidSeed, name, err)
	}
	if f.Collection == "" {
		f.Collection = strings.TrimSuffix(name, path.Ext(name))
	}
	if f.Collection == store.UserData {
		return fmt.Errorf("%w: %s: user_data cannot be seeded", ErrInvalidSeed, name)
	}
	if f.KeyField == "" {
		f.KeyField = "id"
	}

	for i, rec := range f.Records {
		key, ok := keyOf(rec[f.KeyField])
		if !ok {
			return fmt.Errorf("%w: %s: record %d has no %q", ErrInvalidSeed, name, i, f.KeyField)
		}

		if s.Overwrite {
			if err := s.store.Put(ctx, f.Collection, key, rec); err != nil {
				return fmt.Errorf("seeding %s/%s: %w", f.Collection, key, err)
			}
			report.Updated[f.Collection]++
			continue
		}

		inserted, err := s.store.Insert(ctx, f.Collection, key, rec)
		if err != nil {
			return fmt.Errorf("seeding %s/%s: %w", f.Collection, key, err)
		}
		if inserted {
			report.Inserted[f.Collection]++
		} else {
			report.Skipped[f.Collection]++
		}
	}
	return nil
}

func keyOf(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case int:
		return strconv.Itoa(t), true
	default:
		return "", false
	}
}
