package credential

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func mustPool(t *testing.T, states []State, persist func([]State) error) *Pool {
	t.Helper()
	p, err := NewPool(states, persist)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p
}

func stateByToken(t *testing.T, p *Pool, token string) State {
	t.Helper()
	for _, st := range p.Snapshot() {
		if st.Token == token {
			return st
		}
	}
	t.Fatalf("credential %s not in snapshot", token)
	return State{}
}

func TestReservePrefersMostRemainingQuota(t *testing.T) {
	p := mustPool(t, []State{
		{Token: "low-aaaaaaaa", Remaining: 2},
		{Token: "high-aaaaaaa", Remaining: 9},
	}, nil)
	lease, err := p.Reserve(1, false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if lease.Token() != "high-aaaaaaa" {
		t.Fatalf("expected highest-quota credential, got %s", lease.Token())
	}
}

func TestReserveUnknownQuotaSortsAboveFinite(t *testing.T) {
	p := mustPool(t, []State{
		{Token: "known-aaaaaa", Remaining: 1000},
		{Token: "unknown-aaaa", Remaining: QuotaUnknown},
	}, nil)
	lease, err := p.Reserve(1, false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if lease.Token() != "unknown-aaaa" {
		t.Fatalf("expected unknown-quota credential, got %s", lease.Token())
	}
}

func TestReserveTieBreaksLeastRecentlyUsed(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	p := mustPool(t, []State{
		{Token: "fresh-aaaaaa", Remaining: 5, LastUsed: newer},
		{Token: "stale-aaaaaa", Remaining: 5, LastUsed: older},
	}, nil)
	lease, err := p.Reserve(1, false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if lease.Token() != "stale-aaaaaa" {
		t.Fatalf("expected least recently used credential, got %s", lease.Token())
	}
}

func TestReserveSuperOnlySelection(t *testing.T) {
	p := mustPool(t, []State{
		{Token: "basic-aaaaaa", Tier: TierBasic, Remaining: 100},
		{Token: "super-aaaaaa", Tier: TierSuper, Remaining: 1},
	}, nil)
	lease, err := p.Reserve(1, false, true)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if lease.Token() != "super-aaaaaa" {
		t.Fatalf("expected super tier credential, got %s", lease.Token())
	}
}

func TestReserveHeavyUsesHeavyBucket(t *testing.T) {
	p := mustPool(t, []State{
		{Token: "nohvy-aaaaaa", Tier: TierSuper, Remaining: 50, RemainingHeavy: 1},
		{Token: "heavy-aaaaaa", Tier: TierSuper, Remaining: 1, RemainingHeavy: 50},
	}, nil)
	lease, err := p.Reserve(2, true, true)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if lease.Token() != "heavy-aaaaaa" {
		t.Fatalf("expected credential with heavy capacity, got %s", lease.Token())
	}
}

func TestConcurrentReserveSingleSlot(t *testing.T) {
	p := mustPool(t, []State{{Token: "single-aaaaa", Remaining: 1}}, nil)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Reserve(1, false, false)
			if err != nil {
				if !errors.Is(err, ErrExhausted) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			wins++
			mu.Unlock()
			lease.Commit()
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winning reservation, got %d", wins)
	}
	if got := stateByToken(t, p, "single-aaaaa").Remaining; got != 0 {
		t.Fatalf("expected remaining 0 after commit, got %d", got)
	}
}

func TestConcurrentReserveFallsThroughAcrossRecords(t *testing.T) {
	p := mustPool(t, []State{
		{Token: "small-aaaaaa", Remaining: 1},
		{Token: "large-aaaaaa", Remaining: 2},
	}, nil)

	// Pool capacity is exactly 3; once the larger record is fully reserved
	// the remaining reservation must land on the smaller one.
	const workers = 3
	var wg sync.WaitGroup
	var mu sync.Mutex
	leases := make([]*Lease, 0, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Reserve(1, false, false)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			mu.Lock()
			leases = append(leases, lease)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(leases) != workers {
		t.Fatalf("expected %d reservations served, got %d", workers, len(leases))
	}
	for _, lease := range leases {
		lease.Commit()
	}
	if got := stateByToken(t, p, "small-aaaaaa").Remaining; got != 0 {
		t.Fatalf("expected small record drained, remaining %d", got)
	}
	if got := stateByToken(t, p, "large-aaaaaa").Remaining; got != 0 {
		t.Fatalf("expected large record drained, remaining %d", got)
	}
	if _, err := p.Reserve(1, false, false); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted with all buckets at 0, got %v", err)
	}

	// After one record regains capacity, the record at 0 stays excluded.
	p.Resync("large-aaaaaa", 1, -1)
	lease, err := p.Reserve(1, false, false)
	if err != nil {
		t.Fatalf("Reserve after resync: %v", err)
	}
	if lease.Token() != "large-aaaaaa" {
		t.Fatalf("expected resynced credential, got %s", lease.Token())
	}
	lease.Release()
}

func TestCommitChargesAndPersists(t *testing.T) {
	var saved [][]State
	p := mustPool(t, []State{{Token: "commit-aaaaa", Remaining: 3, Failures: 2}}, func(states []State) error {
		saved = append(saved, states)
		return nil
	})
	lease, err := p.Reserve(1, false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	lease.Commit()
	lease.Commit() // second settle is a no-op

	st := stateByToken(t, p, "commit-aaaaa")
	if st.Remaining != 2 {
		t.Fatalf("expected remaining 2, got %d", st.Remaining)
	}
	if st.Failures != 0 {
		t.Fatalf("expected failure streak reset, got %d", st.Failures)
	}
	if st.LastUsed.IsZero() {
		t.Fatal("expected LastUsed to be set")
	}
	if len(saved) != 1 {
		t.Fatalf("expected one persist call, got %d", len(saved))
	}
}

func TestFailAuthRevokes(t *testing.T) {
	p := mustPool(t, []State{{Token: "revoke-aaaaa", Remaining: 5}}, nil)
	lease, err := p.Reserve(1, false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	lease.Fail(FailureAuth)

	st := stateByToken(t, p, "revoke-aaaaa")
	if st.Status != StatusRevoked {
		t.Fatalf("expected revoked, got %s", st.Status)
	}
	if st.Remaining != 5 {
		t.Fatalf("expected no charge on failure, got %d", st.Remaining)
	}
	if _, err := p.Reserve(1, false, false); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted pool after revocation, got %v", err)
	}
}

func TestFailRateLimitBacksOffExponentially(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := mustPool(t, []State{{Token: "cool-aaaaaaa", Remaining: 5}}, nil)
	p.now = func() time.Time { return now }

	lease, err := p.Reserve(1, false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	lease.Fail(FailureRateLimit)
	st := stateByToken(t, p, "cool-aaaaaaa")
	if st.Status != StatusCooling {
		t.Fatalf("expected cooling, got %s", st.Status)
	}
	if got := st.CooldownUntil.Sub(now); got != 30*time.Second {
		t.Fatalf("expected 30s cooldown, got %v", got)
	}
	if _, err := p.Reserve(1, false, false); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted while cooling, got %v", err)
	}

	// Cooldown expiry makes the record eligible again; a second rate limit
	// doubles the backoff.
	now = now.Add(31 * time.Second)
	lease, err = p.Reserve(1, false, false)
	if err != nil {
		t.Fatalf("Reserve after cooldown: %v", err)
	}
	lease.Fail(FailureRateLimit)
	st = stateByToken(t, p, "cool-aaaaaaa")
	if got := st.CooldownUntil.Sub(now); got != 60*time.Second {
		t.Fatalf("expected 60s cooldown, got %v", got)
	}
}

func TestReleaseLeavesStateUntouched(t *testing.T) {
	p := mustPool(t, []State{{Token: "release-aaaa", Remaining: 1}}, nil)
	lease, err := p.Reserve(1, false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	lease.Release()

	st := stateByToken(t, p, "release-aaaa")
	if st.Remaining != 1 || st.Status != StatusActive || st.Failures != 0 {
		t.Fatalf("expected untouched state, got %+v", st)
	}
	// The slot is reusable immediately.
	if _, err := p.Reserve(1, false, false); err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
}

func TestResyncIsAuthoritative(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := mustPool(t, []State{{Token: "resync-aaaaa", Remaining: 0, Status: StatusCooling, CooldownUntil: now.Add(time.Hour)}}, nil)
	p.now = func() time.Time { return now }

	p.Resync("resync-aaaaa", 12, -1)
	st := stateByToken(t, p, "resync-aaaaa")
	if st.Remaining != 12 {
		t.Fatalf("expected remaining 12, got %d", st.Remaining)
	}
	if st.Status != StatusActive {
		t.Fatalf("expected cooling cleared when capacity is back, got %s", st.Status)
	}
	if !st.CooldownUntil.IsZero() {
		t.Fatalf("expected cooldown cleared, got %v", st.CooldownUntil)
	}
}

func TestReportFailureAfterCommit(t *testing.T) {
	p := mustPool(t, []State{{Token: "late-aaaaaaa", Remaining: 5}}, nil)
	lease, err := p.Reserve(1, false, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	lease.Commit()
	p.ReportFailure("late-aaaaaaa", FailureAuth)

	st := stateByToken(t, p, "late-aaaaaaa")
	if st.Status != StatusRevoked {
		t.Fatalf("expected revoked, got %s", st.Status)
	}
	if st.Remaining != 4 {
		t.Fatalf("expected charge to stand, got %d", st.Remaining)
	}
}

func TestNewPoolRejectsDuplicates(t *testing.T) {
	_, err := NewPool([]State{
		{Token: "dup-aaaaaaaa"},
		{Token: "dup-aaaaaaaa"},
	}, nil)
	if err == nil {
		t.Fatal("expected duplicate token error")
	}
}

func TestAddAndRevoke(t *testing.T) {
	p := mustPool(t, nil, nil)
	if err := p.Add(State{Token: "added-aaaaaa", Remaining: QuotaUnknown, RemainingHeavy: QuotaUnknown}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add(State{Token: "added-aaaaaa"}); err == nil {
		t.Fatal("expected duplicate add to fail")
	}
	if err := p.Revoke("added-aaaaaa"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if got := stateByToken(t, p, "added-aaaaaa").Status; got != StatusRevoked {
		t.Fatalf("expected revoked, got %s", got)
	}
	if err := p.Revoke("missing-aaaa"); err == nil {
		t.Fatal("expected revoke of unknown token to fail")
	}
}
