package natcache

import (
	"testing"
	"time"
)

func TestGetSetAndExpiry(t *testing.T) {
	m := New[string, int](20 * time.Millisecond)
	m.Add("a", 1)

	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("expected a=1, got %v ok=%v", v, ok)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected entry to have expired")
	}
}

func TestDel(t *testing.T) {
	m := New[string, int](time.Minute)
	m.Add("k", 42)
	m.Del("k")
	if _, ok := m.Get("k"); ok {
		t.Fatalf("expected entry removed by Del")
	}
}
