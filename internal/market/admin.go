package market

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/opensouk/marketplace-engine/internal/money"
)

// AdminPause handles POST /api/v1/admin/pause
func (s *Service) AdminPause(w http.ResponseWriter, r *http.Request) {
	s.adminToggle(w, r, s.engine.PauseContract, "paused")
}

// AdminUnpause handles POST /api/v1/admin/unpause
func (s *Service) AdminUnpause(w http.ResponseWriter, r *http.Request) {
	s.adminToggle(w, r, s.engine.UnpauseContract, "unpaused")
}

func (s *Service) adminToggle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller string) error, state string) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), req.Caller); err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Warn("engine "+state, "caller", req.Caller)
	writeJSON(w, http.StatusOK, map[string]string{"status": state})
}

// AdminBlacklist handles POST /api/v1/admin/blacklist
func (s *Service) AdminBlacklist(w http.ResponseWriter, r *http.Request) {
	s.adminUserOp(w, r, s.engine.BlacklistUser, "blacklisted")
}

// AdminUnblacklist handles POST /api/v1/admin/unblacklist
func (s *Service) AdminUnblacklist(w http.ResponseWriter, r *http.Request) {
	s.adminUserOp(w, r, s.engine.RemoveFromBlacklist, "unblacklisted")
}

// AdminGrantAdmin handles POST /api/v1/admin/grant-admin
func (s *Service) AdminGrantAdmin(w http.ResponseWriter, r *http.Request) {
	s.adminUserOp(w, r, s.engine.GrantAdmin, "admin granted")
}

// AdminRevokeAdmin handles POST /api/v1/admin/revoke-admin
func (s *Service) AdminRevokeAdmin(w http.ResponseWriter, r *http.Request) {
	s.adminUserOp(w, r, s.engine.RevokeAdmin, "admin revoked")
}

// AdminGrantModerator handles POST /api/v1/admin/grant-moderator
func (s *Service) AdminGrantModerator(w http.ResponseWriter, r *http.Request) {
	s.adminUserOp(w, r, s.engine.GrantModerator, "moderator granted")
}

// AdminRevokeModerator handles POST /api/v1/admin/revoke-moderator
func (s *Service) AdminRevokeModerator(w http.ResponseWriter, r *http.Request) {
	s.adminUserOp(w, r, s.engine.RevokeModerator, "moderator revoked")
}

func (s *Service) adminUserOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller, user string) error, action string) {
	var req UserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), req.Caller, req.User); err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info(action, "caller", req.Caller, "user", req.User)
	writeJSON(w, http.StatusOK, map[string]string{"status": action, "user": req.User})
}

// AdminSetFee handles POST /api/v1/admin/fee
func (s *Service) AdminSetFee(w http.ResponseWriter, r *http.Request) {
	var req FeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetPlatformFee(r.Context(), req.Caller, req.FeeBps); err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("platform fee updated", "caller", req.Caller, "fee_bps", req.FeeBps)
	writeJSON(w, http.StatusOK, map[string]uint32{"fee_bps": req.FeeBps})
}

// AdminSetFeeRecipient handles POST /api/v1/admin/fee-recipient
func (s *Service) AdminSetFeeRecipient(w http.ResponseWriter, r *http.Request) {
	var req RecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetFeeRecipient(r.Context(), req.Caller, req.Recipient); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fee_recipient": req.Recipient})
}

// AdminEmergencyWithdraw handles POST /api/v1/admin/emergency-withdraw
// Sweeps the entire escrow pool to the owner.
func (s *Service) AdminEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := s.engine.EmergencyWithdraw(r.Context(), req.Caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Warn("emergency withdrawal", "caller", req.Caller, "amount", money.Format(amount))
	writeJSON(w, http.StatusOK, map[string]string{"swept": money.Format(amount)})
}
