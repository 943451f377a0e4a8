package patient

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryDirectory_Lookup(t *testing.T) {
	d := NewMemoryDirectory(DevSeed)

	p, err := d.Lookup(context.Background(), DevSeed.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Email != DevSeed.Email {
		t.Errorf("expected %s, got %s", DevSeed.Email, p.Email)
	}

	r := p.Recipient()
	if r.Name != DevSeed.FullName || r.Phone != DevSeed.Phone {
		t.Errorf("unexpected recipient %+v", r)
	}

	if _, err := d.Lookup(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryDirectory_AddReturnsCopy(t *testing.T) {
	d := NewMemoryDirectory()
	id := uuid.New()
	d.Add(Patient{ID: id, FullName: "A", Email: "a@example.com"})

	p, _ := d.Lookup(context.Background(), id)
	p.Email = "changed@example.com"

	again, _ := d.Lookup(context.Background(), id)
	if again.Email != "a@example.com" {
		t.Errorf("directory entry mutated through lookup result: %s", again.Email)
	}
}
