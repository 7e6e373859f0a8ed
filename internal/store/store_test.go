package store

import (
	"context"
	"errors"
	"testing"

	logx "guildbot/pkg/logx"
)

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.FindOne(ctx, "42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindOne on empty store: got %v, want ErrNotFound", err)
	}

	doc := []byte(`{"guild_id":"42"}`)
	if err := m.InsertOne(ctx, "42", doc); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}
	if err := m.InsertOne(ctx, "42", doc); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second InsertOne: got %v, want ErrDuplicate", err)
	}

	got, err := m.FindOne(ctx, "42")
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if string(got) != string(doc) {
		t.Fatalf("FindOne: got %s, want %s", got, doc)
	}

	doc2 := []byte(`{"guild_id":"42","command_prefix":"!"}`)
	if err := m.ReplaceOne(ctx, "42", doc2); err != nil {
		t.Fatalf("ReplaceOne: %v", err)
	}
	got, err = m.FindOne(ctx, "42")
	if err != nil {
		t.Fatalf("FindOne after replace: %v", err)
	}
	if string(got) != string(doc2) {
		t.Fatalf("FindOne after replace: got %s, want %s", got, doc2)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	doc := []byte(`{"guild_id":"1"}`)
	if err := m.InsertOne(ctx, "1", doc); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}
	got, err := m.FindOne(ctx, "1")
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	got[0] = 'X'

	again, err := m.FindOne(ctx, "1")
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if again[0] == 'X' {
		t.Fatal("stored document was mutated through a returned slice")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: t.TempDir() + "/bot.db"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.EnsureCollection(ctx); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	// Idempotent.
	if err := st.EnsureCollection(ctx); err != nil {
		t.Fatalf("EnsureCollection twice: %v", err)
	}

	if _, err := st.FindOne(ctx, "7"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindOne on empty table: got %v, want ErrNotFound", err)
	}

	doc := []byte(`{"guild_id":"7","enabled_extensions":["netmon"]}`)
	if err := st.InsertOne(ctx, "7", doc); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}
	if err := st.InsertOne(ctx, "7", doc); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second InsertOne: got %v, want ErrDuplicate", err)
	}

	got, err := st.FindOne(ctx, "7")
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if string(got) != string(doc) {
		t.Fatalf("FindOne: got %s, want %s", got, doc)
	}

	doc2 := []byte(`{"guild_id":"7","enabled_extensions":[]}`)
	if err := st.ReplaceOne(ctx, "7", doc2); err != nil {
		t.Fatalf("ReplaceOne: %v", err)
	}
	got, err = st.FindOne(ctx, "7")
	if err != nil {
		t.Fatalf("FindOne after replace: %v", err)
	}
	if string(got) != string(doc2) {
		t.Fatalf("FindOne after replace: got %s, want %s", got, doc2)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q): expected nil store", driver)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("Open(bogus): expected error")
	}
}
