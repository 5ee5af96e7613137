package scope

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/sentinel-hids/console/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func agents(ids ...string) []store.Agent {
	out := make([]store.Agent, len(ids))
	for i, id := range ids {
		out[i] = store.Agent{ID: id, Name: "agent " + id}
	}
	return out
}

func TestRegistry_FirstRefreshSelectsFirstAgent(t *testing.T) {
	r := NewRegistry("op-1", nil, discardLogger())

	var gotAgent string
	var gotToken uint64
	r.OnScopeChange(func(agentID string, token uint64) {
		gotAgent = agentID
		gotToken = token
	})

	r.Refresh(agents("a1", "a2"))

	if gotAgent != "a1" {
		t.Fatalf("selected %q, want a1", gotAgent)
	}
	if gotToken != 1 {
		t.Fatalf("token = %d, want 1", gotToken)
	}
	if id := r.SelectedID(); id != "a1" {
		t.Fatalf("SelectedID() = %q, want a1", id)
	}
}

func TestRegistry_SelectMintsToken(t *testing.T) {
	r := NewRegistry("op-1", nil, discardLogger())
	r.Refresh(agents("a1", "a2"))
	before := r.Token()

	if err := r.Select("a2"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if r.Token() <= before {
		t.Fatalf("token did not increase: %d -> %d", before, r.Token())
	}
	if id := r.SelectedID(); id != "a2" {
		t.Fatalf("SelectedID() = %q, want a2", id)
	}
}

func TestRegistry_SelectSameAgentIsNoop(t *testing.T) {
	r := NewRegistry("op-1", nil, discardLogger())
	r.Refresh(agents("a1"))
	before := r.Token()

	var calls int
	r.OnScopeChange(func(string, uint64) { calls++ })

	if err := r.Select("a1"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if r.Token() != before {
		t.Errorf("re-selecting minted a token: %d -> %d", before, r.Token())
	}
	if calls != 0 {
		t.Errorf("observers notified %d times for a no-op select", calls)
	}
}

func TestRegistry_SelectUnknownAgent(t *testing.T) {
	r := NewRegistry("op-1", nil, discardLogger())
	r.Refresh(agents("a1"))

	if err := r.Select("nope"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("Select(nope) = %v, want ErrUnknownAgent", err)
	}
}

func TestRegistry_RefreshKeepsValidSelection(t *testing.T) {
	r := NewRegistry("op-1", nil, discardLogger())
	r.Refresh(agents("a1", "a2"))
	if err := r.Select("a2"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	before := r.Token()

	r.Refresh(agents("a2", "a3"))

	if id := r.SelectedID(); id != "a2" {
		t.Fatalf("selection changed to %q on refresh, want a2", id)
	}
	if r.Token() != before {
		t.Errorf("token changed on selection-preserving refresh")
	}
}

func TestRegistry_RefreshFallsBackWhenSelectionGone(t *testing.T) {
	r := NewRegistry("op-1", nil, discardLogger())
	r.Refresh(agents("a1", "a2"))
	if err := r.Select("a2"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	var gotAgent string
	r.OnScopeChange(func(agentID string, _ uint64) { gotAgent = agentID })

	r.Refresh(agents("a1", "a3"))

	if gotAgent != "a1" {
		t.Fatalf("fallback selected %q, want a1", gotAgent)
	}
}

func TestRegistry_RefreshToEmptyClearsSelection(t *testing.T) {
	r := NewRegistry("op-1", nil, discardLogger())
	r.Refresh(agents("a1"))

	var gotAgent string
	var notified bool
	r.OnScopeChange(func(agentID string, _ uint64) {
		gotAgent = agentID
		notified = true
	})

	r.Refresh(nil)

	if !notified {
		t.Fatal("observers not notified when selection cleared")
	}
	if gotAgent != "" {
		t.Fatalf("cleared selection reported agent %q", gotAgent)
	}
	if _, ok := r.Selected(); ok {
		t.Error("Selected() still returns an agent")
	}
}

func TestRegistry_TokenMonotonic(t *testing.T) {
	r := NewRegistry("op-1", nil, discardLogger())
	r.Refresh(agents("a1", "a2", "a3"))

	var last uint64
	r.OnScopeChange(func(_ string, token uint64) {
		if token <= last {
			t.Errorf("token went backwards: %d after %d", token, last)
		}
		last = token
	})

	for _, id := range []string{"a2", "a3", "a1", "a2"} {
		if err := r.Select(id); err != nil {
			t.Fatalf("Select(%s): %v", id, err)
		}
	}
}

func TestRegistry_PersistedSelectionRestored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selection.db")
	sel, err := OpenSelectionStore(path)
	if err != nil {
		t.Fatalf("OpenSelectionStore: %v", err)
	}
	defer sel.Close()

	r1 := NewRegistry("op-1", sel, discardLogger())
	r1.Refresh(agents("a1", "a2"))
	if err := r1.Select("a2"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	// A fresh registry for the same operator restores the saved selection.
	r2 := NewRegistry("op-1", sel, discardLogger())
	r2.Refresh(agents("a1", "a2"))
	if id := r2.SelectedID(); id != "a2" {
		t.Fatalf("restored selection = %q, want a2", id)
	}
}

func TestRegistry_PersistedSelectionInvalidFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selection.db")
	sel, err := OpenSelectionStore(path)
	if err != nil {
		t.Fatalf("OpenSelectionStore: %v", err)
	}
	defer sel.Close()

	if err := sel.Save("op-1", "gone"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r := NewRegistry("op-1", sel, discardLogger())
	r.Refresh(agents("a1"))
	if id := r.SelectedID(); id != "a1" {
		t.Fatalf("SelectedID() = %q, want fallback a1", id)
	}
}

func TestSelectionStore_LoadMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selection.db")
	sel, err := OpenSelectionStore(path)
	if err != nil {
		t.Fatalf("OpenSelectionStore: %v", err)
	}
	defer sel.Close()

	if _, ok, err := sel.Load("nobody"); err != nil || ok {
		t.Fatalf("Load(nobody) = ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}
