package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	logx "routineclock/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}
	for _, driver := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, driver, "state.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		out[driver] = st
	}
	t.Cleanup(func() {
		for _, st := range out {
			_ = st.Close()
		}
	})
	return out
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Set(ctx, "routineState_a", []byte(`{"x":1}`)); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := st.Set(ctx, "routineState_b", []byte(`{"x":2}`)); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := st.Set(ctx, "other", []byte(`3`)); err != nil {
				t.Fatalf("Set: %v", err)
			}

			v, ok, err := st.Get(ctx, "routineState_a")
			if err != nil || !ok || string(v) != `{"x":1}` {
				t.Fatalf("Get = %q, %v, %v", v, ok, err)
			}

			keys, err := st.Keys(ctx, "routineState_")
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if len(keys) != 2 || keys[0] != "routineState_a" || keys[1] != "routineState_b" {
				t.Fatalf("Keys = %v", keys)
			}

			if err := st.Remove(ctx, "routineState_a"); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if _, ok, _ := st.Get(ctx, "routineState_a"); ok {
				t.Fatal("key still present after Remove")
			}
			if err := st.Remove(ctx, "never-written"); err != nil {
				t.Fatalf("Remove of missing key: %v", err)
			}
		})
	}
}

func TestApplyBatch(t *testing.T) {
	ctx := context.Background()
	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			_ = st.Set(ctx, "gone", []byte("x"))
			n, err := Apply(ctx, st, []Op{
				{Key: "k1", Value: []byte("1")},
				{Key: "k2", Value: []byte("2")},
				{Key: "gone"},
			})
			if err != nil || n != 3 {
				t.Fatalf("Apply = %d, %v", n, err)
			}
			keys, _ := st.Keys(ctx, "")
			if len(keys) != 2 {
				t.Fatalf("Keys = %v, want [k1 k2]", keys)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Set(ctx, "a", []byte("1"))
	_ = st.Set(ctx, "b", []byte("2"))
	if err := st.(Compactor).Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	_ = st.Set(ctx, "c", []byte("3"))
	_ = st.Remove(ctx, "a")
	// Close compacts; reopen must see snapshot plus the journal tail either way.
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	keys, _ := st.Keys(ctx, "")
	if len(keys) != 2 || keys[0] != "b" || keys[1] != "c" {
		t.Fatalf("Keys after reopen = %v", keys)
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Set(ctx, "a", []byte("1"))
	_ = st.Set(ctx, "a", []byte("2"))
	_ = st.Close()

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	v, ok, err := st.Get(ctx, "a")
	if err != nil || !ok || string(v) != "2" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want disabled", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	st := NewMemory()
	_ = st.Close()
	if err := st.Set(context.Background(), "k", []byte("v")); err != ErrClosed {
		t.Fatalf("Set after Close = %v, want ErrClosed", err)
	}
}

func TestReadOnlyInspection(t *testing.T) {
	ctx := context.Background()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			dir := t.TempDir()
			cfg := Config{Driver: driver, Path: filepath.Join(dir, "state.db")}

			rw, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			defer rw.Close()
			if err := rw.Set(ctx, "routineState_a", []byte("1")); err != nil {
				t.Fatal(err)
			}

			cfg.ReadOnly = true
			ro, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("open read-only: %v", err)
			}
			v, ok, err := ro.Get(ctx, "routineState_a")
			if err != nil || !ok || string(v) != "1" {
				t.Fatalf("Get = %q, %v, %v", v, ok, err)
			}
			if err := ro.Set(ctx, "x", []byte("y")); !errors.Is(err, ErrReadOnly) {
				t.Fatalf("Set on read-only = %v", err)
			}
			if err := ro.Close(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestReadOnlyMissingStore(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "absent.db"), ReadOnly: true}, logx.Nop())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "absent.db")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("read-only open created the database")
	}
}
