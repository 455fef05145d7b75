package blobstore

import (
	"bytes"
	"context"
	"testing"
)

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()
	url, err := m.Put(context.Background(), "123_stdout", []byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "memory://123_stdout" {
		t.Errorf("Put returned url %q, want memory://123_stdout", url)
	}
	data, ok := m.Get("123_stdout")
	if !ok {
		t.Fatal("Get after Put: ok = false, want true")
	}
	if !bytes.Equal(data, []byte("hello")) {
		t.Errorf("Get = %q, want %q", data, "hello")
	}
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()
	if _, ok := m.Get("nope"); ok {
		t.Error("Get of an unknown key: ok = true, want false")
	}
}

func TestMemoryPutCopiesData(t *testing.T) {
	m := NewMemory()
	data := []byte("mutate me")
	if _, err := m.Put(context.Background(), "k", data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data[0] = 'X'
	stored, _ := m.Get("k")
	if stored[0] == 'X' {
		t.Error("Memory.Put did not defensively copy its input")
	}
}
