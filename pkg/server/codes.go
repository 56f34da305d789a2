package server

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// CodeRegistry holds the ephemeral contact codes: per-user 6-digit numeric
// codes with a fixed TTL, meant to be handed to another person out-of-band
// within a short window. Purely memory-resident; codes are lost on restart
// by design. The registry carries its own lock, independent of the
// credential store's, since it is high-churn short-TTL memory state.
type CodeRegistry struct {
	mu      sync.Mutex
	entries map[string]codeEntry
	ttl     time.Duration

	// now is swappable for expiry tests
	now func() time.Time
}

type codeEntry struct {
	code      string
	expiresAt time.Time
}

// NewCodeRegistry creates a registry issuing codes with the given TTL.
func NewCodeRegistry(ttl time.Duration) *CodeRegistry {
	return &CodeRegistry{
		entries: make(map[string]codeEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// IssueOrGet returns the user's current unexpired code and its remaining TTL
// in seconds, minting a fresh one if none is live. A newly minted code
// replaces any prior code for that user.
func (r *CodeRegistry) IssueOrGet(username string) (string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)

	if ent, ok := r.entries[username]; ok && ent.expiresAt.After(now) {
		ttl := int(ent.expiresAt.Sub(now).Seconds())
		return ent.code, ttl, nil
	}

	code, err := generateCode()
	if err != nil {
		return "", 0, err
	}
	r.entries[username] = codeEntry{code: code, expiresAt: now.Add(r.ttl)}
	return code, int(r.ttl.Seconds()), nil
}

// Resolve returns the username owning an unexpired code. Codes are
// regenerated per user, so a collision is only possible across expiry
// windows; first match wins.
func (r *CodeRegistry) Resolve(code string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)

	for username, ent := range r.entries {
		if ent.code == code && ent.expiresAt.After(now) {
			return username, true
		}
	}
	return "", false
}

// RotateAll mints a fresh code for every given username, replacing whatever
// was there. Last writer wins on concurrent IssueOrGet for the same user;
// both fully replace the entry, so either outcome is a valid live code.
func (r *CodeRegistry) RotateAll(usernames []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiresAt := r.now().Add(r.ttl)
	for _, username := range usernames {
		code, err := generateCode()
		if err != nil {
			return err
		}
		r.entries[username] = codeEntry{code: code, expiresAt: expiresAt}
	}
	return nil
}

// Len returns the number of live (unexpired) entries.
func (r *CodeRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	return len(r.entries)
}

// pruneLocked drops expired entries to bound memory. Callers hold r.mu.
func (r *CodeRegistry) pruneLocked(now time.Time) {
	for username, ent := range r.entries {
		if !ent.expiresAt.After(now) {
			delete(r.entries, username)
		}
	}
}

var codeMax = big.NewInt(1000000)

// generateCode mints a fixed-width 6-digit numeric code, zero-padded.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeMax)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
