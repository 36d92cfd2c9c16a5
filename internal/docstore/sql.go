package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlIndexTableName = "relaylist_index"
	sqlItemTableName  = "relaylist_items"
	sqlInitTimeout    = 5 * time.Second
	sqlBulkChunk      = 500
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver string
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string
}

var (
	postgresDialect = sqlDialect{
		driver:      "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
	sqliteDialect = sqlDialect{
		driver:      "sqlite",
		placeholder: func(int) string { return "?" },
	}
)

// SQLStore backs Store with two tables. The same code serves postgres and
// sqlite; only the driver and bind syntax differ.
type SQLStore struct {
	dsn        string
	dialect    sqlDialect
	indexTable string
	itemTable  string
	openDB     sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(dsn, postgresDialect)
}

// NewSQLiteStore takes a path or a modernc sqlite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	return newSQLStore(dsn, sqliteDialect)
}

func newSQLStore(dsn string, dialect sqlDialect) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:        dsn,
		dialect:    dialect,
		indexTable: sqlIndexTableName,
		itemTable:  sqlItemTableName,
		openDB:     sql.Open,
	}, nil
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.driver == sqliteDialect.driver {
			// sqlite allows one writer; keep a single connection so CAS
			// updates never see SQLITE_BUSY from our own pool.
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlInitTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					list_id TEXT PRIMARY KEY,
					rev BIGINT NOT NULL,
					doc TEXT NOT NULL,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`, quoteIdentifier(s.indexTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					item_id TEXT PRIMARY KEY,
					body TEXT NOT NULL,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`, quoteIdentifier(s.itemTable)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) ph(n int) string {
	return s.dialect.placeholder(n)
}

func (s *SQLStore) GetIndex(ctx context.Context, listID string) (*IndexDocument, error) {
	if err := validListID(listID); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT rev, doc FROM %s WHERE list_id = %s", quoteIdentifier(s.indexTable), s.ph(1))
	var rev int64
	var payload string
	err := s.db.QueryRowContext(ctx, query, listID).Scan(&rev, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := decodeIndex([]byte(payload))
	if err != nil {
		return nil, err
	}
	doc.Revision = rev
	return doc, nil
}

func (s *SQLStore) PutIndex(ctx context.Context, doc *IndexDocument) error {
	if doc == nil {
		return ErrInvalidInput
	}
	if err := validListID(doc.ListID); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	next := *doc
	next.Revision = doc.Revision + 1
	payload, err := encodeIndex(&next)
	if err != nil {
		return err
	}

	var result sql.Result
	if doc.Revision == 0 {
		query := fmt.Sprintf(`
			INSERT INTO %s (list_id, rev, doc, updated_at)
			VALUES (%s, %s, %s, CURRENT_TIMESTAMP)
			ON CONFLICT (list_id) DO NOTHING`,
			quoteIdentifier(s.indexTable), s.ph(1), s.ph(2), s.ph(3))
		result, err = s.db.ExecContext(ctx, query, doc.ListID, next.Revision, string(payload))
	} else {
		query := fmt.Sprintf(`
			UPDATE %s SET rev = %s, doc = %s, updated_at = CURRENT_TIMESTAMP
			WHERE list_id = %s AND rev = %s`,
			quoteIdentifier(s.indexTable), s.ph(1), s.ph(2), s.ph(3), s.ph(4))
		result, err = s.db.ExecContext(ctx, query, next.Revision, string(payload), doc.ListID, doc.Revision)
	}
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		current := int64(-1)
		if existing, getErr := s.GetIndex(ctx, doc.ListID); getErr == nil {
			current = 0
			if existing != nil {
				current = existing.Revision
			}
		}
		return conflict(doc, current)
	}
	doc.Revision = next.Revision
	return nil
}

func (s *SQLStore) GetItem(ctx context.Context, id string) (json.RawMessage, error) {
	if err := validItemID(id); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT body FROM %s WHERE item_id = %s", quoteIdentifier(s.itemTable), s.ph(1))
	var body string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (s *SQLStore) BulkGetItems(ctx context.Context, ids []string) ([]ItemResult, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	found := make(map[string]json.RawMessage, len(ids))
	for start := 0; start < len(ids); start += sqlBulkChunk {
		end := min(start+sqlBulkChunk, len(ids))
		chunk := ids[start:end]
		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			placeholders[i] = s.ph(i + 1)
			args[i] = id
		}
		query := fmt.Sprintf("SELECT item_id, body FROM %s WHERE item_id IN (%s)",
			quoteIdentifier(s.itemTable), strings.Join(placeholders, ", "))
		if err := s.collectItems(ctx, query, args, found); err != nil {
			return nil, err
		}
	}
	results := make([]ItemResult, len(ids))
	for i, id := range ids {
		results[i].ID = id
		body, ok := found[id]
		if !ok {
			results[i].Err = ErrNotFound
			continue
		}
		results[i].Body = cloneRaw(body)
	}
	return results, nil
}

func (s *SQLStore) collectItems(ctx context.Context, query string, args []any, into map[string]json.RawMessage) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return err
		}
		into[id] = json.RawMessage(body)
	}
	return rows.Err()
}

func (s *SQLStore) BulkPutItems(ctx context.Context, items []ItemRecord) ([]ItemResult, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (item_id, body, updated_at)
		VALUES (%s, %s, CURRENT_TIMESTAMP)
		ON CONFLICT (item_id)
		DO UPDATE SET body = EXCLUDED.body, updated_at = CURRENT_TIMESTAMP`,
		quoteIdentifier(s.itemTable), s.ph(1), s.ph(2))
	results := make([]ItemResult, len(items))
	for i, item := range items {
		results[i].ID = item.ID
		if err := validItemID(item.ID); err != nil {
			results[i].Err = err
			continue
		}
		if !json.Valid(item.Body) {
			results[i].Err = ErrInvalidInput
			continue
		}
		if _, err := s.db.ExecContext(ctx, query, item.ID, string(item.Body)); err != nil {
			results[i].Err = err
		}
	}
	return results, nil
}

func (s *SQLStore) RemoveItem(ctx context.Context, id string) error {
	if err := validItemID(id); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE item_id = %s", quoteIdentifier(s.itemTable), s.ph(1))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
