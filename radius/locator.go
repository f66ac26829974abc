package radius

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/tollgate/enforcement"
)

// ==================== Accounting table ====================

// AccountingLocator reads open sessions from a FreeRADIUS-style radacct
// table: rows without an acctstoptime are live.
type AccountingLocator struct {
	pool  *pgxpool.Pool
	table string
	port  int
}

// AccountingOption configures an AccountingLocator.
type AccountingOption func(*AccountingLocator)

// WithTable overrides the accounting table name.
func WithTable(name string) AccountingOption {
	return func(l *AccountingLocator) { l.table = name }
}

// WithCoAPort sets the dynamic authorization port appended to the NAS address.
func WithCoAPort(port int) AccountingOption {
	return func(l *AccountingLocator) { l.port = port }
}

// NewAccountingLocator returns a locator over pool.
func NewAccountingLocator(pool *pgxpool.Pool, opts ...AccountingOption) *AccountingLocator {
	l := &AccountingLocator{pool: pool, table: "radacct", port: DefaultCoAPort}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OpenAccountingLocator connects a pool to the accounting database named
// by dsn. The caller closes the locator.
func OpenAccountingLocator(ctx context.Context, dsn string, opts ...AccountingOption) (*AccountingLocator, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("radius: open accounting database: %w", err)
	}
	return NewAccountingLocator(pool, opts...), nil
}

// Close closes the underlying pool.
func (l *AccountingLocator) Close() { l.pool.Close() }

func (l *AccountingLocator) Sessions(ctx context.Context, username string) ([]enforcement.Session, error) {
	rows, err := l.pool.Query(ctx, `
SELECT acctsessionid, username, host(nasipaddress), COALESCE(host(framedipaddress), '')
FROM `+pgx.Identifier{l.table}.Sanitize()+`
WHERE username = $1 AND acctstoptime IS NULL
ORDER BY acctstarttime`, username)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (enforcement.Session, error) {
		var s enforcement.Session
		var nas string
		if err := row.Scan(&s.ID, &s.Username, &nas, &s.FramedIP); err != nil {
			return s, err
		}
		s.NASAddress = net.JoinHostPort(nas, strconv.Itoa(l.port))
		return s, nil
	})
}

// ==================== In-process ====================

// MemoryLocator is a SessionLocator fed directly, for tests and for
// deployments that learn sessions from an accounting stream.
type MemoryLocator struct {
	mu       sync.RWMutex
	sessions map[string][]enforcement.Session
}

// NewMemoryLocator returns an empty locator.
func NewMemoryLocator() *MemoryLocator {
	return &MemoryLocator{sessions: make(map[string][]enforcement.Session)}
}

// Start records a session as live, replacing one with the same id.
func (l *MemoryLocator) Start(s enforcement.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := slices.DeleteFunc(l.sessions[s.Username], func(cur enforcement.Session) bool { return cur.ID == s.ID })
	l.sessions[s.Username] = append(list, s)
}

// Stop removes a session.
func (l *MemoryLocator) Stop(username, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := slices.DeleteFunc(l.sessions[username], func(cur enforcement.Session) bool { return cur.ID == sessionID })
	if len(list) == 0 {
		delete(l.sessions, username)
		return
	}
	l.sessions[username] = list
}

func (l *MemoryLocator) Sessions(_ context.Context, username string) ([]enforcement.Session, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.sessions[username]), nil
}
