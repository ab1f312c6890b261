package kv

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := Open(filepath.Join(t.TempDir(), "registry.db"), time.Second)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"bolt":   bolt,
		"memory": NewMemory(),
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
			}
			if err := s.Set("k", []byte("v1")); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if err := s.Set("k", []byte("v2")); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			got, err := s.Get("k")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(got) != "v2" {
				t.Errorf("Get() = %q, want v2", got)
			}
			if err := s.Delete("k"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := s.Get("k"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
			}
			if err := s.Delete("k"); err != nil {
				t.Errorf("Delete() of missing key error = %v", err)
			}
		})
	}
}

func TestBoltStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	s, err := Open(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("currentWorkspace", []byte("ws1")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Get("currentWorkspace")
	if err != nil || string(got) != "ws1" {
		t.Errorf("Get() after reopen = %q, %v; want ws1", got, err)
	}
}
