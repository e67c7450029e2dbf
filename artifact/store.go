// Package artifact implements the per-job artifact store (C4): each
// artifact produced by a skill run (subdomain lists, port scans, vuln
// findings, ...) is written to its own SQLite database file under
// <dataRoot>/<jobID>/<artifact>.db, containing a single table literally
// named "data". Query and QueryGlob run arbitrary SQL against that
// table (or a union of it across jobs), matching the
// store/query/query_glob contract the original Parquet/DuckDB layer
// exposes — SQLite stands in for DuckDB-over-Parquet since no embedded
// columnar engine exists anywhere in the pack.
//
// Grounded on original_source/data.py's DuckStore (store_records,
// query_parquet, query_glob, aggregate, list_parquets) and the
// teacher's use of modernc.org/sqlite elsewhere in this module for an
// embedded, pure-Go SQL engine.
package artifact

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// Record is one row to be written to an artifact. Keys across a batch
// need not match; missing keys are filled NULL, mirroring the
// original's union-of-keys normalisation.
type Record = map[string]any

// Store manages artifact files rooted at a single directory, one
// subdirectory per job.
type Store struct {
	root string
}

func New(dataRoot string) *Store {
	return &Store{root: dataRoot}
}

func (s *Store) path(jobID, artifact string) string {
	return filepath.Join(s.root, jobID, artifact+".db")
}

// Write creates or overwrites an artifact with records, building a
// column set from the union of every record's keys. An empty records
// slice is a no-op (mirrors the original's "empty input writes
// nothing" behavior) rather than creating an empty table.
func (s *Store) Write(ctx context.Context, jobID, artifact string, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	columns := unionKeys(records)
	path := s.path(jobID, artifact)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("artifact: mkdir: %w", err)
	}
	os.Remove(path) // overwrite mode: drop any prior version of this artifact

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, fmt.Errorf("artifact: open: %w", err)
	}
	defer db.Close()

	if err := createTable(ctx, db, columns); err != nil {
		return 0, err
	}
	if err := insertRecords(ctx, db, columns, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Append writes records as a new logical version of an artifact: the
// existing rows are unioned with the new ones and the file rewritten,
// matching the original's "append" COPY...UNION ALL behavior (SQLite
// files aren't appended to in place any more than Parquet files are).
func (s *Store) Append(ctx context.Context, jobID, artifact string, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	existing, err := s.Query(ctx, jobID, artifact, "SELECT * FROM data")
	if err != nil {
		return 0, err
	}
	return s.Write(ctx, jobID, artifact, append(existing, records...))
}

// Query runs sql against a single artifact, exposed as view "data". A
// missing artifact file returns an empty result, not an error — a skill
// that hasn't run yet is a legitimate "nothing to query" state.
func (s *Store) Query(ctx context.Context, jobID, artifact, query string) ([]Record, error) {
	path := s.path(jobID, artifact)
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("artifact: open: %w", err)
	}
	defer db.Close()

	if query == "" {
		query = "SELECT * FROM data"
	}
	return runQuery(ctx, db, query)
}

// QueryGlob runs sql against the union of every job's copy of the named
// artifact (e.g. every job's vulns.db), exposed as view "data" via
// ATTACH DATABASE + UNION ALL. This is the artifact-store equivalent of
// the original's read_parquet(glob) pattern.
func (s *Store) QueryGlob(ctx context.Context, artifact, query string) ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, nil
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("artifact: open scratch db: %w", err)
	}
	defer db.Close()

	var unionParts []string
	for i, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := s.path(e.Name(), artifact)
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		alias := fmt.Sprintf("job%d", i)
		if _, err := db.ExecContext(ctx, fmt.Sprintf("ATTACH DATABASE '%s' AS %s", escapeSQLLiteral(path), alias)); err != nil {
			continue
		}
		unionParts = append(unionParts, fmt.Sprintf("SELECT * FROM %s.data", alias))
	}
	if len(unionParts) == 0 {
		return nil, nil
	}

	view := "CREATE TEMP VIEW data AS " + strings.Join(unionParts, " UNION ALL ")
	if _, err := db.ExecContext(ctx, view); err != nil {
		return nil, fmt.Errorf("artifact: create union view: %w", err)
	}

	if query == "" {
		query = "SELECT * FROM data"
	}
	return runQuery(ctx, db, query)
}

// List returns every artifact file under a job (or every job, if jobID
// is empty), with its size in bytes.
func (s *Store) List(jobID string) ([]ListEntry, error) {
	base := s.root
	if jobID != "" {
		base = filepath.Join(s.root, jobID)
	}
	var out []ListEntry
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".db") {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		rel, rerr := filepath.Rel(s.root, path)
		if rerr != nil {
			rel = path
		}
		out = append(out, ListEntry{Path: rel, SizeBytes: info.Size()})
		return nil
	})
	if err != nil {
		return nil, nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

type ListEntry struct {
	Path      string
	SizeBytes int64
}

func unionKeys(records []Record) []string {
	seen := map[string]bool{}
	var keys []string
	for _, r := range records {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func createTable(ctx context.Context, db *sql.DB, columns []string) error {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	ddl := fmt.Sprintf("CREATE TABLE data (%s)", strings.Join(quoted, ", "))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("artifact: create table: %w", err)
	}
	return nil
}

func insertRecords(ctx context.Context, db *sql.DB, columns []string, records []Record) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("artifact: begin tx: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimRight(strings.Repeat("?,", len(columns)), ",")
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO data (%s) VALUES (%s)", strings.Join(quoted, ", "), placeholders))
	if err != nil {
		return fmt.Errorf("artifact: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		args := make([]any, len(columns))
		for i, c := range columns {
			args[i] = r[c]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("artifact: insert: %w", err)
		}
	}
	return tx.Commit()
}

func runQuery(ctx context.Context, db *sql.DB, query string) ([]Record, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("artifact: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("artifact: columns: %w", err)
	}

	var out []Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("artifact: scan: %w", err)
		}
		rec := make(Record, len(cols))
		for i, c := range cols {
			rec[c] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func escapeSQLLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
