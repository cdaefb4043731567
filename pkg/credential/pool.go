package credential

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
)

// ErrExhausted is returned when no active credential can cover a request.
var ErrExhausted = errors.New("credential pool exhausted")

const (
	cooldownBase = 30 * time.Second
	cooldownMax  = time.Hour
)

// Pool holds the credential records and hands out leases. Membership changes
// take the pool lock; reservation bookkeeping only ever takes the lock of the
// single record involved.
type Pool struct {
	mu      sync.RWMutex
	records map[string]*record
	persist func([]State) error
	now     func() time.Time
}

// NewPool builds a pool from validated states. persist, when non-nil, is
// invoked with a full snapshot after every durable mutation.
func NewPool(states []State, persist func([]State) error) (*Pool, error) {
	p := &Pool{
		records: make(map[string]*record, len(states)),
		persist: persist,
		now:     time.Now,
	}
	for _, st := range states {
		st.Normalize()
		if err := st.Validate(); err != nil {
			return nil, err
		}
		if _, ok := p.records[st.Token]; ok {
			return nil, fmt.Errorf("duplicate credential %s", AbbrevToken(st.Token))
		}
		p.records[st.Token] = &record{state: st}
	}
	return p, nil
}

// Lease is a reservation against one record. Exactly one of Commit, Fail or
// Release must be called; later calls are no-ops.
type Lease struct {
	pool    *Pool
	rec     *record
	cost    int
	heavy   bool
	settled bool
}

// Token exposes the reserved session token for transport use.
func (l *Lease) Token() string {
	return l.rec.snapshot().Token
}

// Reserve picks the eligible record with the most remaining quota (unknown
// sorts above any finite value), ties broken least-recently-used, and claims
// cost against it. needSuper restricts selection to Super tier records;
// heavy charges the premium bucket.
func (p *Pool) Reserve(cost int, heavy, needSuper bool) (*Lease, error) {
	if cost <= 0 {
		return nil, fmt.Errorf("reserve: cost must be positive, got %d", cost)
	}
	p.mu.RLock()
	candidates := make([]*record, 0, len(p.records))
	for _, r := range p.records {
		candidates = append(candidates, r)
	}
	p.mu.RUnlock()

	now := p.now()
	type scored struct {
		rec       *record
		remaining int
		lastUsed  time.Time
	}
	eligible := make([]scored, 0, len(candidates))
	reactivated := false
	for _, r := range candidates {
		r.mu.Lock()
		if ok := r.eligibleLocked(now, cost, heavy, needSuper); ok {
			if r.state.Status == StatusCooling {
				r.state.Status = StatusActive
				reactivated = true
			}
			eligible = append(eligible, scored{
				rec:       r,
				remaining: r.bucketLocked(heavy),
				lastUsed:  r.state.LastUsed,
			})
		}
		r.mu.Unlock()
	}
	if reactivated {
		p.save()
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		ri, rj := effectiveRemaining(eligible[i].remaining), effectiveRemaining(eligible[j].remaining)
		if ri != rj {
			return ri > rj
		}
		return eligible[i].lastUsed.Before(eligible[j].lastUsed)
	})
	for _, cand := range eligible {
		if cand.rec.tryReserve(p.now(), cost, heavy, needSuper) {
			return &Lease{pool: p, rec: cand.rec, cost: cost, heavy: heavy}, nil
		}
	}
	return nil, ErrExhausted
}

func effectiveRemaining(remaining int) int {
	if remaining == QuotaUnknown {
		return int(^uint(0) >> 1)
	}
	return remaining
}

func (r *record) bucketLocked(heavy bool) int {
	if heavy {
		return r.state.RemainingHeavy
	}
	return r.state.Remaining
}

func (r *record) reservedLocked(heavy bool) int {
	if heavy {
		return r.reservedHeavy
	}
	return r.reserved
}

func (r *record) eligibleLocked(now time.Time, cost int, heavy, needSuper bool) bool {
	switch r.state.Status {
	case StatusRevoked:
		return false
	case StatusCooling:
		if now.Before(r.state.CooldownUntil) {
			return false
		}
	}
	if needSuper && r.state.Tier != TierSuper {
		return false
	}
	bucket := r.bucketLocked(heavy)
	if bucket == QuotaUnknown {
		return true
	}
	return bucket-r.reservedLocked(heavy) >= cost
}

// tryReserve re-checks eligibility under the record lock before claiming, so
// two concurrent reservations can never both succeed against capacity only
// one of them fits in.
func (r *record) tryReserve(now time.Time, cost int, heavy, needSuper bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.eligibleLocked(now, cost, heavy, needSuper) {
		return false
	}
	if heavy {
		r.reservedHeavy += cost
	} else {
		r.reserved += cost
	}
	return true
}

// Commit charges the lease's cost. Call it once the upstream has produced at
// least one byte of real content; the local decrement is a best-effort
// estimate that Resync later overrides.
func (l *Lease) Commit() {
	if l.settled {
		return
	}
	l.settled = true
	r := l.rec
	r.mu.Lock()
	l.unreserveLocked()
	if l.heavy {
		if r.state.RemainingHeavy > QuotaUnknown {
			r.state.RemainingHeavy = max(0, r.state.RemainingHeavy-l.cost)
		}
	} else {
		if r.state.Remaining > QuotaUnknown {
			r.state.Remaining = max(0, r.state.Remaining-l.cost)
		}
	}
	r.state.LastUsed = l.pool.now()
	r.state.Failures = 0
	r.mu.Unlock()
	l.pool.save()
}

// Fail releases the reservation without charging and applies the failure
// classification to the record.
func (l *Lease) Fail(kind FailureKind) {
	if l.settled {
		return
	}
	l.settled = true
	r := l.rec
	r.mu.Lock()
	l.unreserveLocked()
	r.applyFailureLocked(kind, l.pool.now())
	token := AbbrevToken(r.state.Token)
	status := r.state.Status
	r.mu.Unlock()
	log.Warn("credential failure", "credential", token, "kind", kind.String(), "status", status)
	l.pool.save()
}

// Release drops the reservation with no quota charge and no health change,
// used when the caller cancels before any content arrived.
func (l *Lease) Release() {
	if l.settled {
		return
	}
	l.settled = true
	l.rec.mu.Lock()
	l.unreserveLocked()
	l.rec.mu.Unlock()
}

func (l *Lease) unreserveLocked() {
	r := l.rec
	if l.heavy {
		r.reservedHeavy = max(0, r.reservedHeavy-l.cost)
	} else {
		r.reserved = max(0, r.reserved-l.cost)
	}
}

func (r *record) applyFailureLocked(kind FailureKind, now time.Time) {
	r.state.Failures++
	switch kind {
	case FailureAuth:
		r.state.Status = StatusRevoked
	case FailureRateLimit:
		r.state.Status = StatusCooling
		r.state.CooldownUntil = now.Add(cooldownFor(r.state.Failures))
	}
}

func cooldownFor(failures int) time.Duration {
	d := cooldownBase
	for i := 1; i < failures && d < cooldownMax; i++ {
		d *= 2
	}
	return min(d, cooldownMax)
}

// ReportFailure applies a failure classification after the lease was already
// committed (mid-stream failures past the charge point).
func (p *Pool) ReportFailure(token string, kind FailureKind) {
	p.mu.RLock()
	r := p.records[token]
	p.mu.RUnlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	r.applyFailureLocked(kind, p.now())
	r.mu.Unlock()
	p.save()
}

// Resync overwrites local quota estimates with upstream-reported values.
// This is the authoritative accounting path; it may raise quota as well as
// lower it, and it clears a Cooling state when capacity is back.
func (p *Pool) Resync(token string, remaining, remainingHeavy int) {
	p.mu.RLock()
	r := p.records[token]
	p.mu.RUnlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	if remaining >= 0 {
		r.state.Remaining = remaining
	}
	if remainingHeavy >= 0 {
		r.state.RemainingHeavy = remainingHeavy
	}
	if r.state.Status == StatusCooling && (remaining > 0 || remainingHeavy > 0) {
		r.state.Status = StatusActive
		r.state.CooldownUntil = time.Time{}
	}
	r.mu.Unlock()
	p.save()
}

// RemainingUnknown reports whether the bucket a lease was charged against
// has never been synced, signalling the orchestrator to resync after use.
func (l *Lease) RemainingUnknown() bool {
	l.rec.mu.Lock()
	defer l.rec.mu.Unlock()
	return l.rec.bucketLocked(l.heavy) == QuotaUnknown
}

// Add inserts a new credential at runtime. Existing tokens are rejected.
func (p *Pool) Add(st State) error {
	st.Normalize()
	if err := st.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	if _, ok := p.records[st.Token]; ok {
		p.mu.Unlock()
		return fmt.Errorf("credential %s already present", AbbrevToken(st.Token))
	}
	p.records[st.Token] = &record{state: st}
	p.mu.Unlock()
	p.save()
	return nil
}

// Revoke marks a credential revoked; records are never deleted.
func (p *Pool) Revoke(token string) error {
	p.mu.RLock()
	r := p.records[token]
	p.mu.RUnlock()
	if r == nil {
		return fmt.Errorf("credential %s not found", AbbrevToken(token))
	}
	r.mu.Lock()
	r.state.Status = StatusRevoked
	r.mu.Unlock()
	p.save()
	return nil
}

// Snapshot returns the durable states ordered by token.
func (p *Pool) Snapshot() []State {
	p.mu.RLock()
	recs := make([]*record, 0, len(p.records))
	for _, r := range p.records {
		recs = append(recs, r)
	}
	p.mu.RUnlock()
	out := make([]State, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}

func (p *Pool) save() {
	if p.persist == nil {
		return
	}
	if err := p.persist(p.Snapshot()); err != nil {
		log.Error("persist credential pool", "err", err)
	}
}
