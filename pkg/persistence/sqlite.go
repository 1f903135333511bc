package persistence

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/hyp3rd/ewrap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/libs/serializer"
	"github.com/hyp3rd/hypergrid/pkg/entry"
)

//nolint:gochecknoglobals
var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore persists entries in a SQLite table. Each member normally owns its own
// database file, so the store is private unless marked shared.
type SQLStore struct {
	db     *sql.DB
	table  string
	shared bool
	ser    serializer.ISerializer
}

// OpenSQLStore opens (and creates when needed) a SQLite database at dsn.
// Use ":memory:" for a throwaway database.
func OpenSQLStore(ctx context.Context, dsn, table string, shared bool) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ewrap.New("sqlite dsn is required")
	}

	if table == "" {
		table = constants.DefaultSQLTable
	}

	if !tableName.MatchString(table) {
		return nil, ewrap.Newf("invalid table name %q", table)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ewrap.Wrap(err, "open sqlite db")
	}

	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, ewrap.Wrap(err, "ping sqlite db")
	}

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		_ = db.Close()

		return nil, ewrap.Wrap(err, "create table")
	}

	ser, err := serializer.New("cbor")
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &SQLStore{db: db, table: table, shared: shared, ser: ser}, nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

func (*SQLStore) Name() string { return "sqlite" }

func (s *SQLStore) Shared() bool { return s.shared }

func (s *SQLStore) Load(ctx context.Context, key string) (*entry.InternalEntry, bool, error) {
	var data []byte

	err := s.db.QueryRowContext(ctx, `SELECT data FROM `+s.table+` WHERE key = ?`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, ewrap.Wrap(err, "select entry")
	}

	var e entry.InternalEntry

	err = s.ser.Unmarshal(data, &e)
	if err != nil {
		return nil, false, err
	}

	return &e, true, nil
}

func (s *SQLStore) Write(ctx context.Context, e *entry.InternalEntry) error {
	err := e.Valid()
	if err != nil {
		return err
	}

	data, err := s.ser.Marshal(e)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (key, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		e.Key, data, e.LastUsed.UTC().UnixMilli(),
	)
	if err != nil {
		return ewrap.Wrap(err, "upsert entry")
	}

	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE key = ?`, key)
	if err != nil {
		return false, ewrap.Wrap(err, "delete entry")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, ewrap.Wrap(err, "rows affected")
	}

	return n > 0, nil
}

func (s *SQLStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table)
	if err != nil {
		return ewrap.Wrap(err, "clear entries")
	}

	return nil
}

func (s *SQLStore) Size(ctx context.Context) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table).Scan(&n)
	if err != nil {
		return 0, ewrap.Wrap(err, "count entries")
	}

	return n, nil
}
