package backend

import (
	"errors"
	"testing"
)

func TestMemDriver_CRUD(t *testing.T) {
	d := NewMemDriver()
	conn, err := d.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Execute(Query{Op: "get", Table: "games", Key: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if _, err := conn.Execute(Query{Op: "put", Table: "games", Key: "x", Value: []byte("one")}); err != nil {
		t.Fatal(err)
	}
	res, err := conn.Execute(Query{Op: "get", Table: "games", Key: "x"})
	if err != nil || string(res.Value) != "one" {
		t.Errorf("Expected one, got %v %v", res, err)
	}

	conn.Execute(Query{Op: "put", Table: "games", Key: "a", Value: []byte("two")})
	res, err = conn.Execute(Query{Op: "list", Table: "games"})
	if err != nil || len(res.Rows) != 2 {
		t.Fatalf("Expected 2 rows, got %v %v", res, err)
	}
	// Sorted by key.
	if string(res.Rows[0]) != "two" || string(res.Rows[1]) != "one" {
		t.Errorf("rows out of order: %q %q", res.Rows[0], res.Rows[1])
	}

	res, _ = conn.Execute(Query{Op: "count", Table: "games"})
	if res.Count != 2 {
		t.Errorf("Expected count 2, got %d", res.Count)
	}

	if _, err := conn.Execute(Query{Op: "del", Table: "games", Key: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Execute(Query{Op: "del", Table: "games", Key: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on double delete, got %v", err)
	}

	if _, err := conn.Execute(Query{Op: "explode"}); !errors.Is(err, ErrBadQuery) {
		t.Errorf("Expected ErrBadQuery, got %v", err)
	}
}

func TestMemDriver_SharedStore(t *testing.T) {
	d := NewMemDriver()
	c1, _ := d.Open()
	c2, _ := d.Open()

	c1.Execute(Query{Op: "put", Table: "t", Key: "k", Value: []byte("v")})
	res, err := c2.Execute(Query{Op: "get", Table: "t", Key: "k"})
	if err != nil || string(res.Value) != "v" {
		t.Errorf("store not shared across connections: %v %v", res, err)
	}
}

func TestMemDriver_Failures(t *testing.T) {
	d := NewMemDriver()

	d.FailNextOpen()
	if _, err := d.Open(); !errors.Is(err, ErrConnFailed) {
		t.Errorf("Expected ErrConnFailed, got %v", err)
	}

	conn, _ := d.Open()
	conn.(*memConn).FailNext()
	if _, err := conn.Execute(Query{Op: "ping"}); !IsFatal(err) {
		t.Errorf("Expected fatal error, got %v", err)
	}
	// Fatal once, then healthy again.
	if _, err := conn.Execute(Query{Op: "ping"}); err != nil {
		t.Errorf("connection did not recover: %v", err)
	}

	conn.Close()
	if _, err := conn.Execute(Query{Op: "ping"}); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Expected ErrConnClosed, got %v", err)
	}
	if d.Active() != 0 {
		t.Errorf("Expected 0 active, got %d", d.Active())
	}
}
