package consent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(clock *fakeClock) *MemoryStore {
	return NewMemoryStore(StoreOptions{MaxAttempts: 5, Grace: 2 * time.Minute, Now: clock.Now})
}

func TestMemoryStore_IssueSupersedesPrevious(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	ctx := context.Background()
	prov, pat := uuid.New(), uuid.New()

	first, _ := store.Issue(ctx, prov, pat, "111111", 10*time.Minute)
	second, _ := store.Issue(ctx, prov, pat, "222222", 10*time.Minute)
	if first.ID == second.ID {
		t.Fatal("expected a new session id")
	}

	got, err := store.Get(ctx, prov, pat)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != second.ID {
		t.Errorf("expected current session %s, got %s", second.ID, got.ID)
	}

	res, _ := store.RecordAttempt(ctx, prov, pat, "111111")
	if res.Verified || res.Matched {
		t.Errorf("old code accepted after re-issue: %+v", res)
	}
}

func TestMemoryStore_ExhaustedOnLastAttemptEvenIfCorrect(t *testing.T) {
	store := newTestStore(newFakeClock())
	ctx := context.Background()
	prov, pat := uuid.New(), uuid.New()
	store.Issue(ctx, prov, pat, "123456", 10*time.Minute)

	for i := 1; i < 5; i++ {
		res, err := store.RecordAttempt(ctx, prov, pat, "000000")
		if err != nil {
			t.Fatal(err)
		}
		if res.Matched || res.Verified {
			t.Fatalf("attempt %d: wrong code matched", i)
		}
		if res.Exhausted != (i >= 5) {
			t.Fatalf("attempt %d: exhausted=%v", i, res.Exhausted)
		}
	}

	res, _ := store.RecordAttempt(ctx, prov, pat, "123456")
	if !res.Matched {
		t.Error("expected the correct code to match")
	}
	if !res.Exhausted || res.Verified {
		t.Errorf("expected exhausted and unverified on 5th attempt, got %+v", res)
	}
	if err := res.outcome(); !errors.Is(err, ErrTooManyAttempts) {
		t.Errorf("expected ErrTooManyAttempts, got %v", err)
	}

	sess, _ := store.Get(ctx, prov, pat)
	if sess.Attempts != 5 {
		t.Errorf("expected 5 attempts, got %d", sess.Attempts)
	}
}

func TestMemoryStore_VerifiedIsSticky(t *testing.T) {
	store := newTestStore(newFakeClock())
	ctx := context.Background()
	prov, pat := uuid.New(), uuid.New()
	store.Issue(ctx, prov, pat, "123456", 10*time.Minute)

	res, _ := store.RecordAttempt(ctx, prov, pat, "123456")
	if !res.Verified {
		t.Fatalf("expected verification, got %+v", res)
	}
	for i := 0; i < 6; i++ {
		res, _ = store.RecordAttempt(ctx, prov, pat, "999999")
		if !res.Verified || res.Exhausted {
			t.Fatalf("later attempt cleared verification: %+v", res)
		}
	}
	sess, _ := store.Get(ctx, prov, pat)
	if !sess.Verified || sess.Attempts != 7 {
		t.Errorf("expected verified with 7 attempts, got verified=%v attempts=%d", sess.Verified, sess.Attempts)
	}
}

func TestMemoryStore_ConsumeAtMostOnce(t *testing.T) {
	store := newTestStore(newFakeClock())
	ctx := context.Background()
	prov, pat := uuid.New(), uuid.New()
	store.Issue(ctx, prov, pat, "123456", 10*time.Minute)

	if ok, _ := store.Consume(ctx, prov, pat); ok {
		t.Fatal("consumed an unverified session")
	}
	store.RecordAttempt(ctx, prov, pat, "123456")

	if ok, _ := store.Consume(ctx, prov, pat); !ok {
		t.Fatal("expected first consume to succeed")
	}
	if ok, _ := store.Consume(ctx, prov, pat); ok {
		t.Fatal("expected second consume to fail")
	}
}

func TestMemoryStore_ConsumeConcurrent(t *testing.T) {
	store := newTestStore(newFakeClock())
	ctx := context.Background()
	prov, pat := uuid.New(), uuid.New()
	store.Issue(ctx, prov, pat, "123456", 10*time.Minute)
	store.RecordAttempt(ctx, prov, pat, "123456")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.Consume(ctx, prov, pat); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one consume, got %d", wins)
	}
}

func TestMemoryStore_ConsumeWithinGraceOnly(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	ctx := context.Background()
	prov, pat := uuid.New(), uuid.New()
	store.Issue(ctx, prov, pat, "123456", 10*time.Minute)
	store.RecordAttempt(ctx, prov, pat, "123456")

	clock.Advance(10*time.Minute + 2*time.Minute)
	if ok, _ := store.Consume(ctx, prov, pat); !ok {
		t.Fatal("expected consume at expiry plus grace to succeed")
	}

	other := uuid.New()
	store.Issue(ctx, prov, other, "654321", 10*time.Minute)
	store.RecordAttempt(ctx, prov, other, "654321")
	clock.Advance(12*time.Minute + time.Second)
	if ok, _ := store.Consume(ctx, prov, other); ok {
		t.Fatal("expected consume past grace to fail")
	}
}

func TestMemoryStore_ExpiredCodeNotVerified(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	ctx := context.Background()
	prov, pat := uuid.New(), uuid.New()
	store.Issue(ctx, prov, pat, "123456", 10*time.Minute)

	clock.Advance(10*time.Minute + time.Second)
	res, _ := store.RecordAttempt(ctx, prov, pat, "123456")
	if !res.Expired || res.Verified {
		t.Errorf("expected expired and unverified, got %+v", res)
	}
}

func TestMemoryStore_MissingPair(t *testing.T) {
	store := newTestStore(newFakeClock())
	ctx := context.Background()
	if _, err := store.Get(ctx, uuid.New(), uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := store.RecordAttempt(ctx, uuid.New(), uuid.New(), "1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("RecordAttempt: expected ErrSessionNotFound, got %v", err)
	}
	if ok, err := store.Consume(ctx, uuid.New(), uuid.New()); ok || err != nil {
		t.Errorf("Consume: expected false, nil; got %v, %v", ok, err)
	}
}

func TestMemoryStore_AttemptsLinearized(t *testing.T) {
	store := newTestStore(newFakeClock())
	ctx := context.Background()
	prov, pat := uuid.New(), uuid.New()
	store.Issue(ctx, prov, pat, "123456", 10*time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	verified := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := store.RecordAttempt(ctx, prov, pat, "123456")
			if res.Verified {
				mu.Lock()
				verified++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sess, _ := store.Get(ctx, prov, pat)
	if sess.Attempts != 40 {
		t.Errorf("expected 40 attempts recorded, got %d", sess.Attempts)
	}
	if !sess.Verified || sess.VerifiedAt == nil {
		t.Error("expected session to be verified")
	}
	// Every call after the first sees the sticky verified flag.
	if verified != 40 {
		t.Errorf("expected all results to report verified, got %d", verified)
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	ctx := context.Background()
	prov := uuid.New()
	stale, fresh := uuid.New(), uuid.New()

	store.Issue(ctx, prov, stale, "111111", time.Minute)
	clock.Advance(4 * time.Minute)
	store.Issue(ctx, prov, fresh, "222222", 10*time.Minute)

	n, err := store.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept session, got %d", n)
	}
	if _, err := store.Get(ctx, prov, stale); !errors.Is(err, ErrSessionNotFound) {
		t.Error("expected stale session to be gone")
	}
	if _, err := store.Get(ctx, prov, fresh); err != nil {
		t.Errorf("expected fresh session to remain: %v", err)
	}

	// A swept pair can be issued again.
	if _, err := store.Issue(ctx, prov, stale, "333333", time.Minute); err != nil {
		t.Fatal(err)
	}
	if s, _ := store.Get(ctx, prov, stale); s == nil || s.Code != "333333" {
		t.Error("expected reissued session after sweep")
	}
}

func verifiedPair(t *testing.T, store *MemoryStore) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	prov, pat := uuid.New(), uuid.New()
	store.Issue(ctx, prov, pat, "123456", 10*time.Minute)
	if res, _ := store.RecordAttempt(ctx, prov, pat, "123456"); !res.Verified {
		t.Fatalf("expected verified session, got %+v", res)
	}
	return prov, pat
}

func TestMemoryStore_ConsumeWithFailedCommit(t *testing.T) {
	store := newTestStore(newFakeClock())
	ctx := context.Background()
	prov, pat := verifiedPair(t, store)

	failure := errors.New("commit failed")
	ok, err := store.ConsumeWith(ctx, prov, pat, func(context.Context) error { return failure })
	if ok || !errors.Is(err, failure) {
		t.Fatalf("expected the commit error, got ok=%v err=%v", ok, err)
	}
	if s, _ := store.Get(ctx, prov, pat); s.Consumed {
		t.Fatal("session consumed although commit failed")
	}

	calls := 0
	ok, err = store.ConsumeWith(ctx, prov, pat, func(context.Context) error { calls++; return nil })
	if !ok || err != nil || calls != 1 {
		t.Fatalf("expected consumption, got ok=%v err=%v calls=%d", ok, err, calls)
	}
	ok, _ = store.ConsumeWith(ctx, prov, pat, func(context.Context) error { calls++; return nil })
	if ok || calls != 1 {
		t.Errorf("commit must not run for a consumed session, calls=%d", calls)
	}
}

func TestMemoryStore_SweepDoesNotBlockOtherPairs(t *testing.T) {
	store := newTestStore(newFakeClock())
	ctx := context.Background()
	busyProv, busyPat := verifiedPair(t, store)
	otherProv, otherPat := verifiedPair(t, store)

	entered, release := make(chan struct{}), make(chan struct{})
	go store.ConsumeWith(ctx, busyProv, busyPat, func(context.Context) error {
		close(entered)
		<-release
		return nil
	})
	<-entered

	swept := make(chan struct{})
	go func() {
		store.Sweep(ctx)
		close(swept)
	}()
	time.Sleep(10 * time.Millisecond)

	got := make(chan error, 1)
	go func() {
		_, err := store.Get(ctx, otherProv, otherPat)
		got <- err
	}()
	select {
	case err := <-got:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("lookup on another pair blocked behind the sweep")
	}

	close(release)
	<-swept
}

func TestSessionState(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	grace := 2 * time.Minute
	base := func() *Session {
		return &Session{IssuedAt: now, ExpiresAt: now.Add(10 * time.Minute), MaxAttempts: 5}
	}
	tests := []struct {
		name string
		mut  func(s *Session)
		at   time.Time
		want State
	}{
		{"fresh", func(*Session) {}, now, StateIssued},
		{"past ttl", func(*Session) {}, now.Add(11 * time.Minute), StateExpired},
		{"exhausted", func(s *Session) { s.Attempts = 5 }, now, StateExhausted},
		{"verified in grace", func(s *Session) { s.Verified = true }, now.Add(11 * time.Minute), StateVerified},
		{"verified past grace", func(s *Session) { s.Verified = true }, now.Add(13 * time.Minute), StateExpired},
		{"consumed", func(s *Session) { s.Verified, s.Consumed = true, true }, now, StateConsumed},
		{"superseded", func(s *Session) { s.Superseded = true }, now, StateExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mut(s)
			if got := s.State(tt.at, grace); got != tt.want {
				t.Errorf("State() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNumericCode(t *testing.T) {
	gen := NumericCode(8)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := gen()
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != 8 {
			t.Fatalf("expected 8 digits, got %q", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("non-digit in code %q", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 190 {
		t.Errorf("codes look non-random: %d distinct of 200", len(seen))
	}
}
