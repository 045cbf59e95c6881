package store

import (
	"bytes"
	"testing"
)

func TestMemStoreRoundTrip(t *testing.T) {
	s := NewMemStore()

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v, want absent", ok, err)
	}

	if err := s.Set("k", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get("k")
	if err != nil || !ok || !bytes.Equal(v, []byte("v1")) {
		t.Fatalf("Get(k) = %q ok=%v err=%v, want v1", v, ok, err)
	}

	if err := s.Set("k", []byte("v2")); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, _, _ = s.Get("k")
	if !bytes.Equal(v, []byte("v2")) {
		t.Fatalf("Get after overwrite = %q, want v2", v)
	}

	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get("k"); ok {
		t.Fatal("Get after Delete reported key present")
	}
	// deleting again is fine
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestMemStoreCopiesValues(t *testing.T) {
	s := NewMemStore()
	src := []byte("abc")
	s.Set("k", src)
	src[0] = 'x'

	v, _, _ := s.Get("k")
	if !bytes.Equal(v, []byte("abc")) {
		t.Fatalf("stored value aliased caller slice: %q", v)
	}

	v[0] = 'y'
	v2, _, _ := s.Get("k")
	if !bytes.Equal(v2, []byte("abc")) {
		t.Fatalf("returned value aliased stored slice: %q", v2)
	}
}
