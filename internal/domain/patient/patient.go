// Package patient resolves patient contact details for consent delivery.
// Patient identity is owned elsewhere; this package only reads it.
package patient

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/medportal/portal/internal/platform/notification"
)

var ErrNotFound = errors.New("patient not found")

// Patient maps to the patient table.
type Patient struct {
	ID       uuid.UUID `db:"id" json:"id"`
	FullName string    `db:"full_name" json:"full_name"`
	Email    string    `db:"email" json:"email,omitempty"`
	Phone    string    `db:"phone" json:"phone,omitempty"`
}

// Recipient returns the notification address for p.
func (p *Patient) Recipient() notification.Recipient {
	return notification.Recipient{Name: p.FullName, Email: p.Email, Phone: p.Phone}
}

// Directory looks up patients by id.
type Directory interface {
	Lookup(ctx context.Context, id uuid.UUID) (*Patient, error)
}

// MemoryDirectory is an in-process directory for development and tests.
type MemoryDirectory struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]Patient
}

func NewMemoryDirectory(seed ...Patient) *MemoryDirectory {
	d := &MemoryDirectory{patients: make(map[uuid.UUID]Patient)}
	for _, p := range seed {
		d.Add(p)
	}
	return d
}

func (d *MemoryDirectory) Add(p Patient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patients[p.ID] = p
}

func (d *MemoryDirectory) Lookup(_ context.Context, id uuid.UUID) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// DevSeed is the patient loaded into the development directory.
var DevSeed = Patient{
	ID:       uuid.MustParse("7f3c2a10-5b1e-4d8a-9c4f-1e2d3c4b5a60"),
	FullName: "Jordan Rivera",
	Email:    "jordan.rivera@patients.example",
	Phone:    "+15550100",
}
