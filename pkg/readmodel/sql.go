package readmodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Document kinds in the documents table.
const (
	kindSource     = "source"
	kindTool       = "tool"
	kindGroup      = "group"
	kindPolicy     = "policy"
	kindCheckpoint = "checkpoint"
)

// SQLStore implements Store on database/sql, storing each aggregate as a
// JSON document keyed by (kind, id). Works on SQLite and Postgres.
type SQLStore struct {
	db *sql.DB
}

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (kind, id)
);
`

// NewSQLStore creates a read model on an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the documents table if absent.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, documentsSchema)
	return err
}

func (s *SQLStore) upsert(ctx context.Context, kind, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s document: %w", kind, err)
	}
	// Portable upsert: delete then insert inside a transaction.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE kind = $1 AND id = $2`, kind, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO documents (kind, id, doc) VALUES ($1, $2, $3)`, kind, id, string(raw)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) delete(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE kind = $1 AND id = $2`, kind, id)
	return err
}

func (s *SQLStore) get(ctx context.Context, kind, id string, v any) error {
	var raw string
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM documents WHERE kind = $1 AND id = $2`, kind, id)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

func loadAll[T any](ctx context.Context, s *SQLStore, kind string) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM documents WHERE kind = $1`, kind)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc T
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", kind, err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertSource(ctx context.Context, doc SourceDoc) error {
	return s.upsert(ctx, kindSource, doc.ID, doc)
}

func (s *SQLStore) DeleteSource(ctx context.Context, id string) error {
	return s.delete(ctx, kindSource, id)
}

func (s *SQLStore) GetSource(ctx context.Context, id string) (SourceDoc, error) {
	var doc SourceDoc
	err := s.get(ctx, kindSource, id, &doc)
	return doc, err
}

func (s *SQLStore) ListSources(ctx context.Context, page Page) ([]SourceDoc, int, error) {
	all, err := loadAll[SourceDoc](ctx, s, kindSource)
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID < all[j].ID
	})
	items, total := paginate(all, page)
	return items, total, nil
}

func (s *SQLStore) UpsertTool(ctx context.Context, doc ToolDoc) error {
	return s.upsert(ctx, kindTool, doc.ToolID, doc)
}

func (s *SQLStore) DeleteTool(ctx context.Context, toolID string) error {
	return s.delete(ctx, kindTool, toolID)
}

func (s *SQLStore) DeleteToolsBySource(ctx context.Context, sourceID string) error {
	all, err := loadAll[ToolDoc](ctx, s, kindTool)
	if err != nil {
		return err
	}
	for _, doc := range all {
		if doc.SourceID == sourceID {
			if err := s.delete(ctx, kindTool, doc.ToolID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *SQLStore) GetTool(ctx context.Context, toolID string) (ToolDoc, error) {
	var doc ToolDoc
	err := s.get(ctx, kindTool, toolID, &doc)
	return doc, err
}

func (s *SQLStore) ListTools(ctx context.Context, filter ToolFilter) ([]ToolDoc, int, error) {
	all, err := loadAll[ToolDoc](ctx, s, kindTool)
	if err != nil {
		return nil, 0, err
	}
	filtered := all[:0]
	for _, doc := range all {
		if matchTool(doc, filter) {
			filtered = append(filtered, doc)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ToolID < filtered[j].ToolID })
	items, total := paginate(filtered, filter.Page)
	return items, total, nil
}

func (s *SQLStore) UpsertGroup(ctx context.Context, doc GroupDoc) error {
	return s.upsert(ctx, kindGroup, doc.ID, doc)
}

func (s *SQLStore) DeleteGroup(ctx context.Context, id string) error {
	return s.delete(ctx, kindGroup, id)
}

func (s *SQLStore) GetGroup(ctx context.Context, id string) (GroupDoc, error) {
	var doc GroupDoc
	err := s.get(ctx, kindGroup, id, &doc)
	return doc, err
}

func (s *SQLStore) ListGroups(ctx context.Context, page Page) ([]GroupDoc, int, error) {
	all, err := loadAll[GroupDoc](ctx, s, kindGroup)
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID < all[j].ID
	})
	items, total := paginate(all, page)
	return items, total, nil
}

func (s *SQLStore) UpsertPolicy(ctx context.Context, doc PolicyDoc) error {
	return s.upsert(ctx, kindPolicy, doc.ID, doc)
}

func (s *SQLStore) DeletePolicy(ctx context.Context, id string) error {
	return s.delete(ctx, kindPolicy, id)
}

func (s *SQLStore) GetPolicy(ctx context.Context, id string) (PolicyDoc, error) {
	var doc PolicyDoc
	err := s.get(ctx, kindPolicy, id, &doc)
	return doc, err
}

func (s *SQLStore) ListPolicies(ctx context.Context, activeOnly bool, page Page) ([]PolicyDoc, int, error) {
	all, err := loadAll[PolicyDoc](ctx, s, kindPolicy)
	if err != nil {
		return nil, 0, err
	}
	filtered := all[:0]
	for _, doc := range all {
		if activeOnly && doc.Status != PolicyActive {
			continue
		}
		filtered = append(filtered, doc)
	}
	SortPolicies(filtered)
	items, total := paginate(filtered, page)
	return items, total, nil
}

func (s *SQLStore) GetCheckpoint(ctx context.Context, projection string) (uint64, error) {
	var raw string
	err := s.get(ctx, kindCheckpoint, projection, &raw)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (s *SQLStore) SetCheckpoint(ctx context.Context, projection string, checkpoint uint64) error {
	return s.upsert(ctx, kindCheckpoint, projection, strconv.FormatUint(checkpoint, 10))
}
