package util

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("doc")
	if !strings.HasPrefix(id, "doc_") {
		t.Fatalf("NewID() = %q, want doc_ prefix", id)
	}
	if len(id) != len("doc_")+32 {
		t.Fatalf("NewID() length = %d, want %d", len(id), len("doc_")+32)
	}
	if id == NewID("doc") {
		t.Fatal("NewID() returned the same value twice")
	}
}

func TestNewIDNoPrefix(t *testing.T) {
	id := NewID("")
	if len(id) != 32 {
		t.Fatalf("NewID(\"\") length = %d, want 32", len(id))
	}
	if strings.Contains(id, "_") {
		t.Fatalf("NewID(\"\") = %q, want no separator", id)
	}
}

func TestNewActorID(t *testing.T) {
	actor := NewActorID()
	if _, err := hex.DecodeString(actor); err != nil {
		t.Fatalf("NewActorID() = %q, not valid hex: %v", actor, err)
	}
	if len(actor) != 32 {
		t.Fatalf("NewActorID() length = %d, want 32", len(actor))
	}
}
