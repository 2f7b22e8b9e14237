// Package access evaluates the capability predicates gating every mutating
// engine operation: role membership (Owner, Admin, Moderator), the blacklist,
// and the global pause switch. Checks are pure functions over the persisted
// Config so they can run before any state is touched.
package access

import (
	"errors"
	"fmt"

	"github.com/opensouk/marketplace-engine/internal/model"
)

var (
	// ErrUnauthorized is returned when the caller lacks the required role
	// or relationship to the entity.
	ErrUnauthorized = errors.New("access: unauthorized")

	// ErrPaused is returned when a mutating call arrives while the engine
	// is paused.
	ErrPaused = errors.New("access: engine paused")

	// ErrBlacklisted is returned when the caller is on the blacklist.
	ErrBlacklisted = errors.New("access: caller blacklisted")
)

// Policy binds the deploy-time owner identity to the mutable configuration.
// The owner is singular and fixed for the life of the process.
type Policy struct {
	owner string
}

// NewPolicy creates a policy with the given owner identity.
func NewPolicy(owner string) *Policy {
	return &Policy{owner: owner}
}

// Owner returns the deploy-time super-admin identity.
func (p *Policy) Owner() string { return p.owner }

// IsOwner reports whether caller is the singular owner.
func (p *Policy) IsOwner(caller string) bool {
	return caller != "" && caller == p.owner
}

// IsAdmin reports whether caller holds the Admin role. The owner is always
// an admin.
func (p *Policy) IsAdmin(cfg *model.Config, caller string) bool {
	if p.IsOwner(caller) {
		return true
	}
	return cfg != nil && cfg.Admins[caller]
}

// IsModerator reports whether caller holds the Moderator role. Admins
// subsume moderators.
func (p *Policy) IsModerator(cfg *model.Config, caller string) bool {
	if p.IsAdmin(cfg, caller) {
		return true
	}
	return cfg != nil && cfg.Moderators[caller]
}

// Guard is the common prelude for every mutating operation: the engine must
// not be paused and the caller must not be blacklisted. Owner actions bypass
// the pause gate so the engine can always be unpaused and drained.
func (p *Policy) Guard(cfg *model.Config, caller string) error {
	if cfg == nil {
		return fmt.Errorf("access: nil config")
	}
	if cfg.Blacklist[caller] {
		return fmt.Errorf("%w: %s", ErrBlacklisted, caller)
	}
	if cfg.Paused && !p.IsOwner(caller) {
		return ErrPaused
	}
	return nil
}

// RequireAdmin fails with ErrUnauthorized unless caller is an admin.
func (p *Policy) RequireAdmin(cfg *model.Config, caller string) error {
	if !p.IsAdmin(cfg, caller) {
		return fmt.Errorf("%w: admin role required", ErrUnauthorized)
	}
	return nil
}

// RequireOwner fails with ErrUnauthorized unless caller is the owner.
func (p *Policy) RequireOwner(caller string) error {
	if !p.IsOwner(caller) {
		return fmt.Errorf("%w: owner required", ErrUnauthorized)
	}
	return nil
}
