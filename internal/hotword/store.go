package hotword

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Source supplies hotword surface forms from some backing location.
type Source interface {
	// Load returns the current surface forms. Implementations must not
	// return partial results alongside an error.
	Load(ctx context.Context) ([]string, error)
}

// FileSource loads hotwords from a text file, one per line. A missing file
// loads zero entries rather than failing, so deployments without a hotword
// list run uncorrected.
type FileSource struct {
	Path string
}

var _ Source = FileSource{}

// Load reads and parses the hotword file.
func (s FileSource) Load(_ context.Context) ([]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("hotword: read %s: %w", s.Path, err)
	}
	return ParseList(string(data)), nil
}

// StaticSource serves a fixed list, used for configuration-embedded hotwords
// and in tests.
type StaticSource []string

var _ Source = StaticSource(nil)

// Load returns the static list.
func (s StaticSource) Load(_ context.Context) ([]string, error) {
	return s, nil
}

// DB is the database interface used by [PGSource]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// defaultPGTable is the hotword table queried when no override is given.
const defaultPGTable = "hotwords"

// pgSchemaTmpl is the SQL DDL for a hotword table; the placeholder takes the
// sanitized table identifier.
const pgSchemaTmpl = `
CREATE TABLE IF NOT EXISTS %s (
    surface    TEXT PRIMARY KEY,
    enabled    BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PGSchema is the SQL DDL for the default hotwords table. Execute it via
// [PGSource.Migrate] or apply it manually during deployment.
var PGSchema = fmt.Sprintf(pgSchemaTmpl, defaultPGTable)

// PGOption configures a [PGSource].
type PGOption func(*PGSource)

// WithTable overrides the table queried for hotword surfaces.
// Default: "hotwords".
func WithTable(name string) PGOption {
	return func(s *PGSource) {
		if name != "" {
			s.table = pgx.Identifier{name}
		}
	}
}

// PGSource loads enabled hotwords from a PostgreSQL table.
type PGSource struct {
	db    DB
	table pgx.Identifier
}

var _ Source = (*PGSource)(nil)

// NewPGSource creates a [PGSource] over the given connection or pool.
func NewPGSource(db DB, opts ...PGOption) *PGSource {
	s := &PGSource{db: db, table: pgx.Identifier{defaultPGTable}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates the hotword table if it does not exist.
func (s *PGSource) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf(pgSchemaTmpl, s.table.Sanitize())); err != nil {
		return fmt.Errorf("hotword: migrate: %w", err)
	}
	return nil
}

// Load returns all enabled surface forms.
func (s *PGSource) Load(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT surface FROM %s WHERE enabled ORDER BY surface`, s.table.Sanitize())
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("hotword: query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var surface string
		if err := rows.Scan(&surface); err != nil {
			return nil, fmt.Errorf("hotword: scan: %w", err)
		}
		out = append(out, surface)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hotword: rows: %w", err)
	}
	return out, nil
}

// Store holds the current compiled [Vocabulary] behind an atomic pointer.
// Readers call [Store.Snapshot] and never block; [Store.Reload] compiles a
// fresh snapshot from the configured sources and swaps it in. A failed reload
// keeps the previous snapshot installed.
type Store struct {
	current atomic.Pointer[Vocabulary]

	mu      sync.Mutex
	sources []Source

	log *slog.Logger
}

// NewStore creates a Store over the given sources with an empty vocabulary
// installed. Call [Store.Reload] to populate it.
func NewStore(log *slog.Logger, sources ...Source) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{sources: sources, log: log}
	s.current.Store(Compile(nil))
	return s
}

// Snapshot returns the currently installed vocabulary. The returned value is
// immutable and remains valid after later reloads.
func (s *Store) Snapshot() *Vocabulary {
	return s.current.Load()
}

// SetSources replaces the source list used by future reloads. The installed
// snapshot is untouched until the next [Store.Reload].
func (s *Store) SetSources(sources ...Source) {
	s.mu.Lock()
	s.sources = sources
	s.mu.Unlock()
}

// Replace installs v as the current vocabulary.
func (s *Store) Replace(v *Vocabulary) {
	if v == nil {
		v = Compile(nil)
	}
	s.current.Store(v)
}

// UpdateFromText compiles the hotword list in text and installs it, returning
// the number of entries.
func (s *Store) UpdateFromText(text string) int {
	v := Compile(ParseList(text))
	s.current.Store(v)
	return v.Len()
}

// Reload gathers surface forms from every source, compiles them into one
// vocabulary and installs it. When any source fails the previous snapshot
// stays installed and the error is returned.
func (s *Store) Reload(ctx context.Context) (int, error) {
	s.mu.Lock()
	sources := s.sources
	s.mu.Unlock()

	var surfaces []string
	for _, src := range sources {
		list, err := src.Load(ctx)
		if err != nil {
			return s.Snapshot().Len(), err
		}
		surfaces = append(surfaces, list...)
	}

	v := Compile(surfaces)
	s.current.Store(v)
	s.log.Debug("hotword vocabulary reloaded", "entries", v.Len())
	return v.Len(), nil
}
