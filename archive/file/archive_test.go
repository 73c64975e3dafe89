package file

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rbaliyan/ews/store"
)

func snapshot(id string, members ...string) *store.Expansion {
	e := &store.Expansion{
		ID:         id,
		Address:    "Team@X.com",
		ResolvedAt: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	for _, m := range members {
		e.Members = append(e.Members, store.Member{Address: m, Type: "Mailbox"})
	}
	return e
}

func TestArchive(t *testing.T) {
	ctx := context.Background()

	t.Run("requires directory", func(t *testing.T) {
		if _, err := New(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("writes json", func(t *testing.T) {
		dir := t.TempDir()
		a, err := New(WithDir(dir))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		e := snapshot("s1", "a@x.com")
		if err := a.Save(ctx, e); err != nil {
			t.Fatalf("Save: %v", err)
		}

		want := filepath.Join(dir, "expansions", "team@x.com", "2026", "05", "04", "s1.json")
		if a.Path(e) != want {
			t.Errorf("Path() = %q, want %q", a.Path(e), want)
		}
		data, err := os.ReadFile(want)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var got store.Expansion
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.ID != "s1" || len(got.Members) != 1 {
			t.Errorf("unexpected snapshot %+v", got)
		}

		entries, _ := os.ReadDir(filepath.Dir(want))
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), "tmp-") {
				t.Errorf("temp file left behind: %s", entry.Name())
			}
		}
	})

	t.Run("compressed", func(t *testing.T) {
		a, _ := New(WithDir(t.TempDir()), WithCompression(true))
		e := snapshot("s2", "a@x.com")
		if err := a.Save(ctx, e); err != nil {
			t.Fatalf("Save: %v", err)
		}
		f, err := os.Open(a.Path(e))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer f.Close()
		zr, err := gzip.NewReader(f)
		if err != nil {
			t.Fatalf("gzip: %v", err)
		}
		var got store.Expansion
		if err := json.NewDecoder(zr).Decode(&got); err != nil || got.ID != "s2" {
			t.Errorf("decode = %+v, %v", got, err)
		}
	})

	t.Run("rejects invalid snapshots", func(t *testing.T) {
		a, _ := New(WithDir(t.TempDir()))
		if err := a.Save(ctx, &store.Expansion{}); !errors.Is(err, store.ErrInvalidExpansion) {
			t.Errorf("expected ErrInvalidExpansion, got %v", err)
		}
	})

	t.Run("size limit", func(t *testing.T) {
		a, _ := New(WithDir(t.TempDir()), WithMaxSize(200))
		if err := a.Save(ctx, snapshot("s1", "a@x.com")); err != nil {
			t.Fatalf("first save: %v", err)
		}
		err := a.Save(ctx, snapshot("s2", "a@x.com", "b@x.com", "c@x.com"))
		if !errors.Is(err, ErrArchiveFull) {
			t.Errorf("expected ErrArchiveFull, got %v", err)
		}
	})

	t.Run("connect measures existing files", func(t *testing.T) {
		dir := t.TempDir()
		a, _ := New(WithDir(dir))
		_ = a.Save(ctx, snapshot("s1", "a@x.com"))
		size := a.Size()

		b, _ := New(WithDir(dir))
		if err := b.Connect(ctx); err != nil {
			t.Fatalf("connect: %v", err)
		}
		defer b.Close(ctx)
		if b.Size() != size {
			t.Errorf("Size() = %d, want %d", b.Size(), size)
		}
		if err := b.Connect(ctx); !errors.Is(err, store.ErrAlreadyConnected) {
			t.Errorf("expected ErrAlreadyConnected, got %v", err)
		}
	})

	t.Run("prune", func(t *testing.T) {
		a, _ := New(WithDir(t.TempDir()), WithRetention(time.Hour))
		if err := a.Connect(ctx); err != nil {
			t.Fatalf("connect: %v", err)
		}
		e := snapshot("old", "a@x.com")
		_ = a.Save(ctx, e)
		_ = a.Save(ctx, snapshot("new", "a@x.com"))

		old := time.Now().Add(-2 * time.Hour)
		if err := os.Chtimes(a.Path(e), old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}

		if n := a.Prune(time.Now()); n != 1 {
			t.Errorf("pruned %d files, want 1", n)
		}
		if _, err := os.Stat(a.Path(e)); !os.IsNotExist(err) {
			t.Error("old snapshot still present")
		}
		if err := a.Close(ctx); err != nil {
			t.Errorf("close: %v", err)
		}
		if err := a.Close(ctx); err != nil {
			t.Errorf("second close: %v", err)
		}
	})
}
