package credential

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type Tier string

const (
	TierBasic Tier = "basic"
	TierSuper Tier = "super"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusCooling Status = "cooling"
	StatusRevoked Status = "revoked"
)

// QuotaUnknown marks a quota bucket that has never been synced from
// upstream. Unknown buckets are assumed to have capacity.
const QuotaUnknown = -1

// FailureKind classifies an upstream failure for pool bookkeeping.
type FailureKind int

const (
	// FailureNetwork covers transient connect/read errors; the record stays
	// active and immediately eligible.
	FailureNetwork FailureKind = iota
	// FailureRateLimit covers rate-limit and anti-automation rejections; the
	// record cools down with exponential backoff.
	FailureRateLimit
	// FailureAuth covers invalid or expired session tokens; the record is
	// revoked and never selected again.
	FailureAuth
)

func (k FailureKind) String() string {
	switch k {
	case FailureRateLimit:
		return "rate_limit"
	case FailureAuth:
		return "auth"
	default:
		return "network"
	}
}

// State is the durable form of one upstream session credential.
type State struct {
	Token          string    `json:"token"`
	Tier           Tier      `json:"tier"`
	Remaining      int       `json:"remaining_queries"`
	RemainingHeavy int       `json:"remaining_heavy_queries"`
	Status         Status    `json:"status"`
	CooldownUntil  time.Time `json:"cooldown_until,omitzero"`
	LastUsed       time.Time `json:"last_used,omitzero"`
	Failures       int       `json:"consecutive_failures,omitempty"`
}

func (s *State) Normalize() {
	s.Token = strings.TrimSpace(s.Token)
	if s.Tier == "" {
		s.Tier = TierBasic
	}
	if s.Status == "" {
		s.Status = StatusActive
		// A record that has never been used or synced starts with unknown
		// quota, not an exhausted bucket.
		if s.Remaining == 0 && s.RemainingHeavy == 0 && s.LastUsed.IsZero() {
			s.Remaining = QuotaUnknown
			s.RemainingHeavy = QuotaUnknown
		}
	}
	if s.Remaining < QuotaUnknown {
		s.Remaining = QuotaUnknown
	}
	if s.RemainingHeavy < QuotaUnknown {
		s.RemainingHeavy = QuotaUnknown
	}
}

func (s State) Validate() error {
	if s.Token == "" {
		return fmt.Errorf("credential token cannot be empty")
	}
	switch s.Tier {
	case TierBasic, TierSuper:
	default:
		return fmt.Errorf("credential %s: invalid tier %q", AbbrevToken(s.Token), s.Tier)
	}
	switch s.Status {
	case StatusActive, StatusCooling, StatusRevoked:
	default:
		return fmt.Errorf("credential %s: invalid status %q", AbbrevToken(s.Token), s.Status)
	}
	return nil
}

// record is one pool member. The mutex guards both the durable state and the
// in-flight reservation counters; it is held only for short bookkeeping
// sections, never across I/O.
type record struct {
	mu            sync.Mutex
	state         State
	reserved      int
	reservedHeavy int
}

func (r *record) snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// AbbrevToken keeps session tokens out of logs and error text.
func AbbrevToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}
