package router

import (
	"testing"
)

func testRoute(mode Mode) *Route {
	return &Route{Handler: func(ctx any) {}, Mode: mode}
}

// TestTableBasic tests basic static routing
func TestTableBasic(t *testing.T) {
	table := New()

	table.Add("GET", "/", testRoute(Cooperative))
	table.Add("GET", "/hello", testRoute(Cooperative))
	table.Add("GET", "/hello/world", testRoute(Cooperative))

	tests := []struct {
		path        string
		shouldMatch bool
	}{
		{"/", true},
		{"/hello", true},
		{"/hello/world", true},
		{"/notfound", false},
	}

	for _, tt := range tests {
		r, _ := table.Find("GET", tt.path)
		matched := (r != nil)
		if matched != tt.shouldMatch {
			t.Errorf("Path %s: expected match=%v, got match=%v", tt.path, tt.shouldMatch, matched)
		}
	}
}

// TestTablePriority tests route priority (exact > param)
func TestTablePriority(t *testing.T) {
	table := New()

	table.Add("GET", "/user/admin", testRoute(Cooperative))
	table.Add("GET", "/user/:id", testRoute(Cooperative))

	tests := []struct {
		path         string
		shouldMatch  bool
		isExactMatch bool
	}{
		{"/user/admin", true, true},
		{"/user/123", true, false},
	}

	for _, tt := range tests {
		r, params := table.Find("GET", tt.path)
		if (r != nil) != tt.shouldMatch {
			t.Errorf("Path %s: expected match=%v, got match=%v", tt.path, tt.shouldMatch, r != nil)
		}
		if tt.shouldMatch {
			_, hasParam := params["id"]
			if tt.isExactMatch && hasParam {
				t.Errorf("Path %s: should be exact match, but got params", tt.path)
			}
			if !tt.isExactMatch && !hasParam {
				t.Errorf("Path %s: should be param match, but no params", tt.path)
			}
		}
	}
}

// TestTableMode verifies the execution mode tag is preserved per route.
func TestTableMode(t *testing.T) {
	table := New()

	table.Add("GET", "/fast", testRoute(Cooperative))
	table.Add("POST", "/slow", testRoute(Blocking))

	if r, _ := table.Find("GET", "/fast"); r == nil || r.Mode != Cooperative {
		t.Errorf("GET /fast: expected cooperative route, got %+v", r)
	}
	if r, _ := table.Find("POST", "/slow"); r == nil || r.Mode != Blocking {
		t.Errorf("POST /slow: expected blocking route, got %+v", r)
	}
	// Same path, different method: no match
	if r, _ := table.Find("GET", "/slow"); r != nil {
		t.Errorf("GET /slow: expected no match, got %+v", r)
	}
}

// Benchmarks
func BenchmarkTableStatic(b *testing.B) {
	table := New()
	table.Add("GET", "/hello/world", testRoute(Cooperative))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		table.Find("GET", "/hello/world")
	}
}

func BenchmarkTableParam(b *testing.B) {
	table := New()
	table.Add("GET", "/user/:id", testRoute(Cooperative))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		table.Find("GET", "/user/123")
	}
}
