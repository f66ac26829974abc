// Package sqlite implements store.Store on an embedded SQLite database
// through grove's sqlitedriver.
//
// The database is opened with a single connection: a transaction owns the
// connection for its whole duration, which serializes writers the same way
// a row lock would. Timestamps are stored as INTEGER microseconds since the
// Unix epoch.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	tollgatestore "github.com/xraph/tollgate/store"
)

// compile-time interface check
var _ tollgatestore.Store = (*Store)(nil)

const pragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// querier is the query-builder surface shared by the database and a
// transaction.
type querier interface {
	NewSelect(model ...any) *sqlitedriver.SelectQuery
	NewInsert(model any) *sqlitedriver.InsertQuery
	NewUpdate(model any) *sqlitedriver.UpdateQuery
	NewRaw(query string, args ...any) *sqlitedriver.RawQuery
}

// Store implements store.Store using SQLite via grove ORM.
type Store struct {
	db     *grove.DB
	sqlite *sqlitedriver.SqliteDB
}

// New creates a store on an open grove database. The driver should be
// limited to one connection.
func New(db *grove.DB) *Store {
	return &Store{
		db:     db,
		sqlite: sqlitedriver.Unwrap(db),
	}
}

// Open opens the database file at path on a single connection. The driver
// enables WAL journaling and foreign keys.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?" + pragmas
	}
	sdb := sqlitedriver.New()
	if err := sdb.Open(ctx, dsn, driver.WithPoolSize(1)); err != nil {
		return nil, fmt.Errorf("tollgate/sqlite: open: %w", err)
	}
	db, err := grove.Open(sdb)
	if err != nil {
		_ = sdb.Close()
		return nil, fmt.Errorf("tollgate/sqlite: open grove: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

type txKey struct{}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sqlitedriver.SqliteTx); ok {
		return tx
	}
	return s.sqlite
}

// RunInTx runs fn in a transaction. A context that already carries a
// transaction joins it.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sqlitedriver.SqliteTx); ok {
		return fn(ctx)
	}

	tx, err := s.sqlite.BeginTxQuery(ctx, nil)
	if err != nil {
		return fmt.Errorf("tollgate/sqlite: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tollgate/sqlite: commit: %w", err)
	}
	committed = true
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== helpers ====================

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// affected returns the row count of an exec result.
func affected(res driver.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func ts(t time.Time) int64 { return t.UnixMicro() }

func fromTS(v int64) time.Time { return time.UnixMicro(v).UTC() }

// nullTS maps the zero time to NULL.
func nullTS(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.UnixMicro()
	return &v
}

func nullTSPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	return nullTS(*t)
}

func fromNullTS(v *int64) time.Time {
	if v == nil {
		return time.Time{}
	}
	return fromTS(*v)
}

func fromNullTSPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromTS(*v)
	return &t
}

type cond struct {
	sql  string
	args []any
}

// filter accumulates WHERE conditions with positional arguments.
type filter struct {
	conds []cond
}

func (f *filter) add(clause string, v any) {
	f.conds = append(f.conds, cond{sql: clause, args: []any{v}})
}

func (f *filter) raw(clause string) {
	f.conds = append(f.conds, cond{sql: clause})
}

// in adds "col IN (?, ...)" for a non-empty set of values.
func (f *filter) in(col string, values []string) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	f.conds = append(f.conds, cond{sql: col + " IN (" + marks + ")", args: args})
}

// apply adds every condition to q.
func (f *filter) apply(q *sqlitedriver.SelectQuery) *sqlitedriver.SelectQuery {
	for _, c := range f.conds {
		q = q.Where(c.sql, c.args...)
	}
	return q
}

// where renders the conditions for a raw statement.
func (f *filter) where() (string, []any) {
	if len(f.conds) == 0 {
		return "", nil
	}
	clauses := make([]string, len(f.conds))
	var args []any
	for i, c := range f.conds {
		clauses[i] = c.sql
		args = append(args, c.args...)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// page applies a non-zero limit and offset.
func page(q *sqlitedriver.SelectQuery, limit, offset int) *sqlitedriver.SelectQuery {
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		if limit <= 0 {
			// SQLite rejects OFFSET without LIMIT.
			q = q.Limit(math.MaxInt)
		}
		q = q.Offset(offset)
	}
	return q
}

func stringsOf[T ~string](vs []T) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}
