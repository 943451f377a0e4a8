package access

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer(testKey, time.Minute)
	prov, pat := uuid.New(), uuid.New()

	raw, minted, err := issuer.Mint(prov, pat, "clinic_a", []string{"prescriptions"})
	if err != nil {
		t.Fatal(err)
	}
	tok, err := issuer.Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.ID != minted.ID || tok.ProviderID != prov || tok.PatientID != pat || tok.Tenant != "clinic_a" {
		t.Errorf("claims lost: %+v", tok)
	}
	if !tok.Covers("prescriptions") || tok.Covers("health-metrics") {
		t.Errorf("unexpected scope %v", tok.Scope)
	}
}

func TestTokenIssuer_Rejects(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(testKey, 5*time.Minute)
	issuer.SetClock(func() time.Time { return now })
	raw, _, _ := issuer.Mint(uuid.New(), uuid.New(), "", nil)

	other := NewTokenIssuer([]byte("another-key-another-key-another!!"), 5*time.Minute)
	other.SetClock(func() time.Time { return now })

	late := NewTokenIssuer(testKey, 5*time.Minute)
	late.SetClock(func() time.Time { return now.Add(5*time.Minute + time.Second) })

	tests := []struct {
		name   string
		parser *TokenIssuer
		raw    string
	}{
		{"wrong key", other, raw},
		{"expired", late, raw},
		{"garbage", issuer, "not-a-jwt"},
		{"tampered", issuer, raw[:len(raw)-2] + "xx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.parser.Parse(tt.raw); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestTokenIssuer_NoKey(t *testing.T) {
	if _, _, err := NewTokenIssuer(nil, 0).Mint(uuid.New(), uuid.New(), "", nil); err == nil {
		t.Error("expected error minting without a key")
	}
}
