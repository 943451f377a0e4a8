package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store reads a patient's records, newest first.
type Store interface {
	Prescriptions(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error)
	HealthMetrics(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*HealthMetric, int, error)
}

type MemoryStore struct {
	mu            sync.RWMutex
	prescriptions map[uuid.UUID][]Prescription
	metrics       map[uuid.UUID][]HealthMetric
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		prescriptions: make(map[uuid.UUID][]Prescription),
		metrics:       make(map[uuid.UUID][]HealthMetric),
	}
}

func (s *MemoryStore) AddPrescription(p Prescription) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.prescriptions[p.PatientID], p)
	sort.SliceStable(list, func(i, j int) bool { return list[i].PrescribedAt.After(list[j].PrescribedAt) })
	s.prescriptions[p.PatientID] = list
}

func (s *MemoryStore) AddHealthMetric(m HealthMetric) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.metrics[m.PatientID], m)
	sort.SliceStable(list, func(i, j int) bool { return list[i].RecordedAt.After(list[j].RecordedAt) })
	s.metrics[m.PatientID] = list
}

func (s *MemoryStore) Prescriptions(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.prescriptions[patientID]
	start, end := window(len(all), limit, offset)
	out := make([]*Prescription, 0, end-start)
	for i := start; i < end; i++ {
		p := all[i]
		out = append(out, &p)
	}
	return out, len(all), nil
}

func (s *MemoryStore) HealthMetrics(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*HealthMetric, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.metrics[patientID]
	start, end := window(len(all), limit, offset)
	out := make([]*HealthMetric, 0, end-start)
	for i := start; i < end; i++ {
		m := all[i]
		out = append(out, &m)
	}
	return out, len(all), nil
}

func window(total, limit, offset int) (int, int) {
	if offset >= total {
		return total, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}

// SeedDev loads sample records for patientID into s.
func SeedDev(s *MemoryStore, patientID uuid.UUID, now time.Time) {
	s.AddPrescription(Prescription{PatientID: patientID, Medication: "Amoxicillin 500mg", Dosage: "1 capsule every 8 hours for 7 days", PrescribedBy: "Dr. A. Mensah", PrescribedAt: now.AddDate(0, 0, -30)})
	s.AddPrescription(Prescription{PatientID: patientID, Medication: "Lisinopril 10mg", Dosage: "1 tablet daily", PrescribedBy: "Dr. A. Mensah", PrescribedAt: now.AddDate(0, 0, -3)})
	s.AddHealthMetric(HealthMetric{PatientID: patientID, Kind: "blood_pressure_systolic", Value: 128, Unit: "mmHg", RecordedAt: now.AddDate(0, 0, -2)})
	s.AddHealthMetric(HealthMetric{PatientID: patientID, Kind: "heart_rate", Value: 72, Unit: "bpm", RecordedAt: now.AddDate(0, 0, -2)})
	s.AddHealthMetric(HealthMetric{PatientID: patientID, Kind: "body_weight", Value: 81.4, Unit: "kg", RecordedAt: now.AddDate(0, 0, -1)})
}
