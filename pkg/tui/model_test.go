package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/strand-protocol/rtkit/pkg/model"
)

type fakeSource struct {
	sessions []model.Session
	err      error
}

func (f fakeSource) List(context.Context) ([]model.Session, error) { return f.sessions, f.err }

type fakeLogs struct {
	entries []model.SyslogEntry
	asked   *string
}

func (f fakeLogs) Recent(_ context.Context, session string, _ int) ([]model.SyslogEntry, error) {
	if f.asked != nil {
		*f.asked = session
	}
	return f.entries, nil
}

type fakeWatcher struct {
	lists [][]model.Session
}

func (f fakeWatcher) Watch(ctx context.Context, fn func([]model.Session)) error {
	for _, l := range f.lists {
		fn(l)
	}
	<-ctx.Done()
	return ctx.Err()
}

func sessions() []model.Session {
	return []model.Session{
		{
			Name: "aop", State: "booted", Owner: "host", Version: 12,
			Endpoints: []model.Endpoint{{ID: 0, Name: "management", Started: true}, {ID: 0x20, Name: "app-0x20"}},
			Buffers:   []model.Buffer{{Endpoint: 2, Name: "syslog", IOVA: 0x800000000, Size: 16384, Owner: "host"}},
			Syslog:    &model.SyslogGeometry{Entries: 16, MsgSize: 64},
		},
		{Name: "dcp", State: "failed", Owner: "coprocessor"},
	}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestFetchProducesData(t *testing.T) {
	var asked string
	logs := fakeLogs{
		entries: []model.SyslogEntry{{Session: "dcp", Context: "ctx", Message: "hello", Time: time.Now()}},
		asked:   &asked,
	}
	m := New(fakeSource{sessions: sessions()}, logs, "memory", 0)
	m.selected = 1
	msg := m.fetch()()
	data, ok := msg.(dataMsg)
	if !ok {
		t.Fatalf("fetch returned %T", msg)
	}
	if len(data.sessions) != 2 || len(data.logs) != 1 {
		t.Fatalf("data = %+v", data)
	}
	if asked != "dcp" {
		t.Errorf("syslog fetched for %q, want the selected session", asked)
	}

	m = New(fakeSource{err: errors.New("etcd down")}, nil, "etcd", 0)
	if _, ok := m.fetch()().(errMsg); !ok {
		t.Fatal("fetch error not reported as errMsg")
	}
}

func TestTabsAndSelection(t *testing.T) {
	m := New(fakeSource{}, nil, "memory", time.Second)
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m = update(t, m, dataMsg{sessions: sessions(), logs: []model.SyslogEntry{
		{Session: "aop", Context: "pmgr", Message: "clock gated"},
		{Session: "dcp", Context: "dcp", Message: "other session"},
	}})

	view := m.View()
	if !strings.Contains(view, "aop") || !strings.Contains(view, "dcp") {
		t.Fatalf("sessions tab missing rows:\n%s", view)
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")})
	if view := m.View(); !strings.Contains(view, "management") || !strings.Contains(view, "0x20") {
		t.Fatalf("endpoints tab:\n%s", view)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if view := m.View(); !strings.Contains(view, "16 KiB") || !strings.Contains(view, "16 entries") {
		t.Fatalf("buffers tab:\n%s", view)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	view = m.View()
	if !strings.Contains(view, "clock gated") || strings.Contains(view, "other session") {
		t.Fatalf("syslog tab should show only the selected session:\n%s", view)
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	if m.current().Name != "dcp" {
		t.Fatalf("selected %q after j", m.current().Name)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	if m.current().Name != "dcp" {
		t.Fatal("selection moved past the last session")
	}
	if view := m.View(); !strings.Contains(view, "session: dcp") {
		t.Errorf("status bar does not name the selection:\n%s", view)
	}

	// A shorter list clamps the selection.
	m = update(t, m, dataMsg{sessions: sessions()[:1]})
	if m.selected != 0 {
		t.Errorf("selected = %d after shrink", m.selected)
	}
}

func TestErrorShownInStatus(t *testing.T) {
	m := New(fakeSource{}, nil, "etcd", 0)
	m = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 20})
	m = update(t, m, errMsg(errors.New("connection refused")))
	if view := m.View(); !strings.Contains(view, "connection refused") {
		t.Errorf("error not rendered:\n%s", view)
	}
}

func TestQuit(t *testing.T) {
	m := New(fakeSource{}, nil, "memory", 0)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"truncated", 5, "trun…"},
		{"x", 0, ""},
	}
	for _, tc := range tests {
		if got := truncate(tc.in, tc.max); got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestSessionsUpdatedReplacesList(t *testing.T) {
	m := New(fakeSource{}, nil, "etcd", 0)
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m = update(t, m, dataMsg{sessions: sessions()})
	m.selected = 1

	m = update(t, m, SessionsUpdated([]model.Session{{Name: "sep", State: "booted"}}))
	if len(m.sessions) != 1 || m.selected != 0 {
		t.Fatalf("sessions = %+v selected = %d", m.sessions, m.selected)
	}
	if view := m.View(); !strings.Contains(view, "sep") || strings.Contains(view, "dcp") {
		t.Errorf("pushed list not rendered:\n%s", view)
	}
}

func TestFollowRelaysUntilCancelled(t *testing.T) {
	w := fakeWatcher{lists: [][]model.Session{sessions(), sessions()[:1]}}
	got := make(chan tea.Msg, 2)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Follow(ctx, w, func(msg tea.Msg) { got <- msg }) }()

	for _, want := range []int{2, 1} {
		select {
		case msg := <-got:
			if l, ok := msg.(sessionsMsg); !ok || len(l) != want {
				t.Fatalf("relayed %#v, want %d sessions", msg, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("update not relayed")
		}
	}
	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Follow after cancel = %v, want nil", err)
	}
}
