package state

import (
	"context"
	"testing"

	"github.com/opentalon/stepflow/internal/actor"
)

func TestMemoryAdd(t *testing.T) {
	store := NewMemoryStore("")
	m, err := store.Add(context.Background(), "user prefers dark mode", "preference")
	if err != nil {
		t.Fatal(err)
	}

	if m.ID != "mem_1" {
		t.Errorf("ID = %q, want mem_1", m.ID)
	}
	if !m.HasTag("preference") {
		t.Error("expected tag 'preference'")
	}
}

func TestMemorySearchNewestFirst(t *testing.T) {
	store := NewMemoryStore("")
	ctx := context.Background()
	_, _ = store.Add(ctx, "user likes golang")
	_, _ = store.Add(ctx, "user prefers dark mode")
	_, _ = store.Add(ctx, "golang is fast")

	results, _ := store.Search(ctx, "GoLang", 0)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Content != "golang is fast" {
		t.Errorf("first result = %q, want newest", results[0].Content)
	}

	limited, _ := store.Search(ctx, "golang", 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d results", len(limited))
	}
}

func TestMemorySearchAnyWord(t *testing.T) {
	store := NewMemoryStore("")
	ctx := context.Background()
	_, _ = store.Add(ctx, "Turned off kitchen lights at 22:00")

	results, _ := store.Search(ctx, "what did I do with the lights", 0)
	if len(results) != 1 {
		t.Errorf("expected a word match, got %d", len(results))
	}
}

func TestMemoryScopedByContext(t *testing.T) {
	store := NewMemoryStore("")
	home1 := actor.WithIdentity(context.Background(), actor.Identity{ContextID: "home-1"})
	home2 := actor.WithIdentity(context.Background(), actor.Identity{ContextID: "home-2"})

	_, _ = store.Add(context.Background(), "shared note about lights")
	_, _ = store.Add(home1, "home one lights are hue")
	_, _ = store.Add(home2, "home two lights are ikea")

	got, _ := store.Search(home1, "lights", 0)
	if len(got) != 2 {
		t.Fatalf("home-1 sees %d notes, want 2", len(got))
	}
	for _, m := range got {
		if m.ContextID == "home-2" {
			t.Error("home-1 saw a home-2 note")
		}
	}
}

func TestMemorySearchByTag(t *testing.T) {
	store := NewMemoryStore("")
	ctx := context.Background()
	_, _ = store.Add(ctx, "a", "skill_quality")
	_, _ = store.Add(ctx, "b", "conversation")

	got, _ := store.SearchByTag(ctx, "skill_quality")
	if len(got) != 1 || got[0].Content != "a" {
		t.Errorf("SearchByTag = %+v", got)
	}
}

func TestMemoryDelete(t *testing.T) {
	store := NewMemoryStore("")
	m, _ := store.Add(context.Background(), "to delete")

	if err := store.Delete(m.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(m.ID); err == nil {
		t.Error("expected error deleting twice")
	}
}

func TestMemorySaveLoad(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store := NewMemoryStore(dir)
	_, _ = store.Add(ctx, "memory one", "tag1")
	_, _ = store.Add(ctx, "memory two", "tag2")

	if err := store.Save(); err != nil {
		t.Fatal(err)
	}

	loaded := NewMemoryStore(dir)
	if err := loaded.Load(); err != nil {
		t.Fatal(err)
	}
	all, _ := loaded.Search(ctx, "", 0)
	if len(all) != 2 {
		t.Fatalf("expected 2 memories, got %d", len(all))
	}

	m, _ := loaded.Add(ctx, "memory three")
	if m.ID != "mem_3" {
		t.Errorf("next ID = %q, want mem_3", m.ID)
	}
}

func TestMemoryLoadMissingDir(t *testing.T) {
	store := NewMemoryStore(t.TempDir())
	if err := store.Load(); err != nil {
		t.Errorf("missing file should not error: %v", err)
	}
}
