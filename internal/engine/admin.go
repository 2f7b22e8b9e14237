package engine

import (
	"context"
	"fmt"

	"github.com/opensouk/marketplace-engine/internal/events"
	"github.com/opensouk/marketplace-engine/internal/fees"
	"github.com/opensouk/marketplace-engine/internal/ledger"
	"github.com/opensouk/marketplace-engine/internal/model"
)

// Config returns a copy of the current engine configuration.
func (e *Engine) Config(ctx context.Context) (*model.Config, error) {
	return e.store.GetConfig(ctx)
}

// PauseContract stops all non-owner mutating operations. Admin only.
func (e *Engine) PauseContract(ctx context.Context, caller string) error {
	return e.mutateConfig(ctx, caller, false, func(cfg *model.Config) (model.Event, error) {
		if cfg.Paused {
			return model.Event{}, fmt.Errorf("%w: already paused", ErrInvalidState)
		}
		cfg.Paused = true
		return events.Admin(events.TypePaused, caller, e.now(), nil), nil
	})
}

// UnpauseContract resumes operation. Admin only; deliberately not gated on
// the pause flag itself, or the engine could never recover.
func (e *Engine) UnpauseContract(ctx context.Context, caller string) error {
	return e.mutateConfig(ctx, caller, true, func(cfg *model.Config) (model.Event, error) {
		if !cfg.Paused {
			return model.Event{}, fmt.Errorf("%w: not paused", ErrInvalidState)
		}
		cfg.Paused = false
		return events.Admin(events.TypeUnpaused, caller, e.now(), nil), nil
	})
}

// BlacklistUser bars an identity from every mutating operation. Admin only.
// The owner cannot be blacklisted.
func (e *Engine) BlacklistUser(ctx context.Context, caller, user string) error {
	return e.mutateConfig(ctx, caller, false, func(cfg *model.Config) (model.Event, error) {
		if err := validIdentity(user); err != nil {
			return model.Event{}, err
		}
		if e.policy.IsOwner(user) {
			return model.Event{}, fmt.Errorf("%w: cannot blacklist the owner", ErrInvalidInput)
		}
		cfg.Blacklist[user] = true
		return events.Admin(events.TypeBlacklisted, caller, e.now(), map[string]string{"user": user}), nil
	})
}

// RemoveFromBlacklist lifts a blacklisting. Admin only.
func (e *Engine) RemoveFromBlacklist(ctx context.Context, caller, user string) error {
	return e.mutateConfig(ctx, caller, false, func(cfg *model.Config) (model.Event, error) {
		if !cfg.Blacklist[user] {
			return model.Event{}, fmt.Errorf("%w: %s not blacklisted", ErrInvalidInput, user)
		}
		delete(cfg.Blacklist, user)
		return events.Admin(events.TypeUnblacklisted, caller, e.now(), map[string]string{"user": user}), nil
	})
}

// SetPlatformFee updates the fee in basis points, capped at 10%. Admin only.
func (e *Engine) SetPlatformFee(ctx context.Context, caller string, bps uint32) error {
	return e.mutateConfig(ctx, caller, false, func(cfg *model.Config) (model.Event, error) {
		if err := fees.ValidateBps(bps); err != nil {
			return model.Event{}, err
		}
		cfg.FeeBps = bps
		return events.Admin(events.TypeFeeUpdated, caller, e.now(),
			map[string]string{"feeBps": fmt.Sprintf("%d", bps)}), nil
	})
}

// SetFeeRecipient updates the account receiving platform fees. Admin only.
func (e *Engine) SetFeeRecipient(ctx context.Context, caller, recipient string) error {
	return e.mutateConfig(ctx, caller, false, func(cfg *model.Config) (model.Event, error) {
		if err := validIdentity(recipient); err != nil {
			return model.Event{}, err
		}
		cfg.FeeRecipient = recipient
		return events.Admin(events.TypeFeeRecipientUpdated, caller, e.now(),
			map[string]string{"recipient": recipient}), nil
	})
}

// GrantAdmin adds an identity to the Admin role. Owner only.
func (e *Engine) GrantAdmin(ctx context.Context, caller, user string) error {
	return e.mutateRole(ctx, caller, user, true, func(cfg *model.Config) map[string]bool { return cfg.Admins }, "admin", true)
}

// RevokeAdmin removes an identity from the Admin role. Owner only.
func (e *Engine) RevokeAdmin(ctx context.Context, caller, user string) error {
	return e.mutateRole(ctx, caller, user, false, func(cfg *model.Config) map[string]bool { return cfg.Admins }, "admin", true)
}

// GrantModerator adds an identity to the Moderator role. Admin only.
func (e *Engine) GrantModerator(ctx context.Context, caller, user string) error {
	return e.mutateRole(ctx, caller, user, true, func(cfg *model.Config) map[string]bool { return cfg.Moderators }, "moderator", false)
}

// RevokeModerator removes an identity from the Moderator role. Admin only.
func (e *Engine) RevokeModerator(ctx context.Context, caller, user string) error {
	return e.mutateRole(ctx, caller, user, false, func(cfg *model.Config) map[string]bool { return cfg.Moderators }, "moderator", false)
}

// EmergencyWithdraw sweeps the entire pooled escrow balance to the owner,
// bypassing per-order accounting. Owner only. It does not reconcile
// individual escrow amounts; orders left open must be resolved off-band.
func (e *Engine) EmergencyWithdraw(ctx context.Context, caller string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.policy.Guard(cfg, caller); err != nil {
		return 0, err
	}
	if err := e.policy.RequireOwner(caller); err != nil {
		return 0, err
	}
	amount, err := e.store.Balance(ctx, ledger.EscrowAccount)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, nil
	}

	now := e.now()
	entries, err := ledger.Transfer(0, ledger.EscrowAccount, e.policy.Owner(), amount, model.EntryEmergency, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPosting, err)
	}
	evts := []model.Event{events.Admin(events.TypeEmergencyWithdrawal, caller, now,
		map[string]string{"amount": fmt.Sprintf("%d", amount)})}
	if err := e.store.AppendEntries(ctx, entries, evts); err != nil {
		return 0, err
	}
	e.emit(evts)
	return amount, nil
}

// --- Boundary settlement ---

// Deposit credits an account's wallet balance from outside the system. The
// calling backend settles the real-world side.
func (e *Engine) Deposit(ctx context.Context, account string, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := e.policy.Guard(cfg, account); err != nil {
		return err
	}
	if err := validIdentity(account); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: deposit of %d to %q", ErrInvalidInput, amount, account)
	}

	now := e.now()
	entries, err := ledger.Transfer(0, ledger.External, account, amount, model.EntryDeposit, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPosting, err)
	}
	evts := []model.Event{events.Admin(events.TypeDeposit, account, now,
		map[string]string{"amount": fmt.Sprintf("%d", amount)})}
	if err := e.store.AppendEntries(ctx, entries, evts); err != nil {
		return err
	}
	e.emit(evts)
	return nil
}

// Withdraw debits free (non-escrowed) balance back out of the system.
func (e *Engine) Withdraw(ctx context.Context, account string, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := e.policy.Guard(cfg, account); err != nil {
		return err
	}
	if err := validIdentity(account); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: withdrawal of %d from %q", ErrInvalidInput, amount, account)
	}
	balance, err := e.store.Balance(ctx, account)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, balance, amount)
	}

	now := e.now()
	entries, err := ledger.Transfer(0, account, ledger.External, amount, model.EntryWithdraw, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPosting, err)
	}
	evts := []model.Event{events.Admin(events.TypeWithdraw, account, now,
		map[string]string{"amount": fmt.Sprintf("%d", amount)})}
	if err := e.store.AppendEntries(ctx, entries, evts); err != nil {
		return err
	}
	e.emit(evts)
	return nil
}

// --- Internals ---

// mutateConfig loads, guards, mutates, and persists the configuration under
// the engine lock. skipPauseGate lets unpause through a paused engine; the
// blacklist gate always applies.
func (e *Engine) mutateConfig(ctx context.Context, caller string, skipPauseGate bool, fn func(*model.Config) (model.Event, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Blacklist[caller] {
		return fmt.Errorf("%w: %s", ErrBlacklisted, caller)
	}
	if !skipPauseGate {
		if err := e.policy.Guard(cfg, caller); err != nil {
			return err
		}
	}
	if err := e.policy.RequireAdmin(cfg, caller); err != nil {
		return err
	}

	next := cfg.Clone()
	evt, err := fn(next)
	if err != nil {
		return err
	}
	evts := []model.Event{evt}
	if err := e.store.PutConfig(ctx, next, evts); err != nil {
		return err
	}
	e.emit(evts)
	return nil
}

func (e *Engine) mutateRole(ctx context.Context, caller, user string, grant bool, roleSet func(*model.Config) map[string]bool, role string, ownerOnly bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := e.policy.Guard(cfg, caller); err != nil {
		return err
	}
	if ownerOnly {
		if err := e.policy.RequireOwner(caller); err != nil {
			return err
		}
	} else if err := e.policy.RequireAdmin(cfg, caller); err != nil {
		return err
	}
	if err := validIdentity(user); err != nil {
		return err
	}

	next := cfg.Clone()
	set := roleSet(next)
	eventType := events.TypeRoleGranted
	if grant {
		set[user] = true
	} else {
		delete(set, user)
		eventType = events.TypeRoleRevoked
	}
	evts := []model.Event{events.Admin(eventType, caller, e.now(),
		map[string]string{"user": user, "role": role})}
	if err := e.store.PutConfig(ctx, next, evts); err != nil {
		return err
	}
	e.emit(evts)
	return nil
}
