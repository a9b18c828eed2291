package logsink

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strand-protocol/rtkit/pkg/model"
)

func entry(i int) model.SyslogEntry {
	return model.SyslogEntry{Session: "dcp", Index: i, Message: fmt.Sprintf("line %d", i)}
}

func TestMemorySinkRing(t *testing.T) {
	s := NewMemorySink(3)
	ctx := context.Background()
	if got, _ := s.Recent(ctx, "", 10); len(got) != 0 {
		t.Fatalf("Recent on empty sink = %v", got)
	}
	for i := 0; i < 5; i++ {
		if err := s.Write(ctx, entry(i)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	got, err := s.Recent(ctx, "", 0)
	if err != nil || len(got) != 3 || got[0].Index != 2 || got[2].Index != 4 {
		t.Fatalf("Recent(0) = %+v, %v, want entries 2..4", got, err)
	}
	if got, _ := s.Recent(ctx, "dcp", 1); len(got) != 1 || got[0].Index != 4 {
		t.Fatalf("Recent(1) = %+v, want entry 4", got)
	}
	if s.Total() != 5 {
		t.Errorf("Total() = %d, want 5", s.Total())
	}
}

func TestMemorySinkRecentBySession(t *testing.T) {
	s := NewMemorySink(8)
	ctx := context.Background()
	for i, name := range []string{"aop", "dcp", "aop", "dcp", "aop"} {
		_ = s.Write(ctx, model.SyslogEntry{Session: name, Index: i})
	}
	got, err := s.Recent(ctx, "aop", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Index != 2 || got[1].Index != 4 {
		t.Fatalf("Recent(aop, 2) = %+v, want entries 2 and 4", got)
	}
	if got, _ := s.Recent(ctx, "sep", 0); len(got) != 0 {
		t.Errorf("Recent for unknown session = %+v", got)
	}
}

// blockingSink holds every write until released.
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []model.SyslogEntry
}

func (b *blockingSink) Write(_ context.Context, e model.SyslogEntry) error {
	<-b.release
	b.mu.Lock()
	b.got = append(b.got, e)
	b.mu.Unlock()
	return nil
}

func (b *blockingSink) Close() error { return nil }

func TestAsyncDropsWhenFull(t *testing.T) {
	bs := &blockingSink{release: make(chan struct{})}
	a := NewAsync(bs, 2, nil)

	// One entry may be held by the drain goroutine, two more fill the queue.
	for i := 0; i < 10; i++ {
		a.Handle(entry(i))
	}
	if a.Dropped() < 7 {
		t.Errorf("Dropped() = %d, want at least 7", a.Dropped())
	}
	close(bs.release)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(bs.got) + int(a.Dropped()); n != 10 {
		t.Errorf("written + dropped = %d, want 10", n)
	}
	if bs.got[0].Index != 0 {
		t.Errorf("first written entry = %d, want 0", bs.got[0].Index)
	}
}

func TestAsyncFlushesOnClose(t *testing.T) {
	mem := NewMemorySink(16)
	a := NewAsync(mem, 16, nil)
	for i := 0; i < 8; i++ {
		a.Handle(entry(i))
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if mem.Total() != 8 {
		t.Fatalf("Total() = %d after Close, want 8", mem.Total())
	}
}

func TestPostgresStatementsQuoteTable(t *testing.T) {
	s := NewPostgresSink(nil, `odd"name`)
	for _, q := range []string{s.schemaSQL(), s.insertSQL(), s.recentSQL()} {
		if !strings.Contains(q, `"odd""name"`) {
			t.Errorf("statement does not quote the table: %s", q)
		}
	}
	if d := NewPostgresSink(nil, ""); d.table != DefaultTable {
		t.Errorf("default table = %q", d.table)
	}
	if err := NewPostgresSink(nil, "").Close(); err != nil {
		t.Errorf("Close on borrowed pool = %v", err)
	}
}

// syslogRows serves canned rows through database/sql without a server.
type syslogRows struct {
	rows  [][]driver.Value
	query string
	args  []driver.NamedValue
}

func (c *syslogRows) Connect(context.Context) (driver.Conn, error) { return c, nil }
func (c *syslogRows) Driver() driver.Driver                        { return nil }
func (c *syslogRows) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}
func (c *syslogRows) Close() error              { return nil }
func (c *syslogRows) Begin() (driver.Tx, error) { return nil, errors.New("no transactions") }

func (c *syslogRows) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.query, c.args = query, args
	return &cannedRows{rows: c.rows}, nil
}

type cannedRows struct {
	rows [][]driver.Value
}

func (r *cannedRows) Columns() []string {
	return []string{"session", "idx", "context", "message", "logged_at"}
}
func (r *cannedRows) Close() error { return nil }

func (r *cannedRows) Next(dest []driver.Value) error {
	if len(r.rows) == 0 {
		return io.EOF
	}
	copy(dest, r.rows[0])
	r.rows = r.rows[1:]
	return nil
}

func TestPostgresRecentOldestFirst(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	conn := &syslogRows{rows: [][]driver.Value{
		{"aop", int64(7), "pmgr", "newest", at.Add(time.Second)},
		{"aop", int64(6), "pmgr", "older", at},
	}}
	db := sql.OpenDB(conn)
	defer db.Close()

	s := NewPostgresSink(db, "")
	got, err := s.Recent(context.Background(), "aop", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Message != "older" || got[1].Index != 7 || !got[1].Time.Equal(at.Add(time.Second)) {
		t.Fatalf("Recent = %+v, want oldest first", got)
	}
	if conn.query != s.recentSQL() {
		t.Errorf("query = %q", conn.query)
	}
	if len(conn.args) != 2 || conn.args[0].Value != "aop" || conn.args[1].Value != int64(2) {
		t.Errorf("args = %+v, want session and limit", conn.args)
	}
}
