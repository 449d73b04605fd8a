package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/temelreiz/auxite-wallet/internal/approval"
	"github.com/temelreiz/auxite-wallet/internal/audit"
	"github.com/temelreiz/auxite-wallet/internal/authfactor"
	"github.com/temelreiz/auxite-wallet/internal/device"
	"github.com/temelreiz/auxite-wallet/internal/emergency"
	"github.com/temelreiz/auxite-wallet/internal/logging"
	"github.com/temelreiz/auxite-wallet/internal/metrics"
	"github.com/temelreiz/auxite-wallet/internal/riskpolicy"
	"github.com/temelreiz/auxite-wallet/internal/validation"
)

// -----------------------------------------------------------------------------
// Error mapping
// -----------------------------------------------------------------------------

// respondError maps service errors to HTTP responses with a stable error
// code and a human-readable message.
func respondError(c *gin.Context, err error) {
	type mapping struct {
		status int
		code   string
	}

	known := []struct {
		err error
		m   mapping
	}{
		// Not found
		{authfactor.ErrTOTPNotConfigured, mapping{http.StatusNotFound, "totp_not_configured"}},
		{authfactor.ErrTOTPNotPending, mapping{http.StatusNotFound, "totp_setup_not_started"}},
		{authfactor.ErrChallengeNotFound, mapping{http.StatusNotFound, "challenge_not_found"}},
		{authfactor.ErrCredentialNotFound, mapping{http.StatusNotFound, "credential_not_found"}},
		{device.ErrDeviceNotFound, mapping{http.StatusNotFound, "device_not_found"}},
		{device.ErrSessionNotFound, mapping{http.StatusNotFound, "session_not_found"}},
		{approval.ErrTxNotFound, mapping{http.StatusNotFound, "transaction_not_found"}},
		{approval.ErrSignerNotFound, mapping{http.StatusNotFound, "signer_not_found"}},
		{riskpolicy.ErrNotWhitelisted, mapping{http.StatusNotFound, "not_whitelisted"}},
		{riskpolicy.ErrLimitNotFound, mapping{http.StatusNotFound, "limit_not_found"}},
		{emergency.ErrContactMissing, mapping{http.StatusNotFound, "contact_not_found"}},

		// Conflicts
		{authfactor.ErrTOTPAlreadyEnabled, mapping{http.StatusConflict, "totp_already_enabled"}},
		{approval.ErrSignerExists, mapping{http.StatusConflict, "signer_exists"}},
		{approval.ErrAlreadyApproved, mapping{http.StatusConflict, "already_approved"}},
		{approval.ErrNotPending, mapping{http.StatusConflict, "transaction_not_pending"}},
		{riskpolicy.ErrAlreadyListed, mapping{http.StatusConflict, "already_whitelisted"}},
		{emergency.ErrAlreadyFrozen, mapping{http.StatusConflict, "already_frozen"}},
		{emergency.ErrNotFrozen, mapping{http.StatusConflict, "not_frozen"}},
		{emergency.ErrPanicNotActive, mapping{http.StatusConflict, "panic_not_active"}},
		{emergency.ErrContactExists, mapping{http.StatusConflict, "contact_exists"}},

		// Auth failures
		{authfactor.ErrInvalidCode, mapping{http.StatusUnauthorized, "invalid_code"}},
		{authfactor.ErrCodeUsed, mapping{http.StatusUnauthorized, "code_already_used"}},
		{authfactor.ErrCloneDetected, mapping{http.StatusUnauthorized, "clone_detected"}},
		{authfactor.ErrCredentialDisabled, mapping{http.StatusUnauthorized, "credential_disabled"}},
		{device.ErrInvalidToken, mapping{http.StatusUnauthorized, "invalid_token"}},

		// Forbidden / state
		{approval.ErrNotSigner, mapping{http.StatusForbidden, "not_a_signer"}},
		{approval.ErrRoleForbidden, mapping{http.StatusForbidden, "permission_denied"}},
		{approval.ErrOwnerRemoval, mapping{http.StatusForbidden, "owner_removal"}},
		{emergency.ErrPanicActive, mapping{http.StatusLocked, "panic_active"}},
		{device.ErrCurrentDevice, mapping{http.StatusConflict, "current_device"}},

		// Expiry
		{authfactor.ErrChallengeExpired, mapping{http.StatusGone, "challenge_expired"}},
		{approval.ErrExpired, mapping{http.StatusGone, "transaction_expired"}},

		// Bad input
		{authfactor.ErrTooManyChallenges, mapping{http.StatusTooManyRequests, "too_many_challenges"}},
		{authfactor.ErrVerifierMissing, mapping{http.StatusNotImplemented, "verifier_unavailable"}},
		{approval.ErrBadThreshold, mapping{http.StatusBadRequest, "bad_threshold"}},
		{approval.ErrBadRole, mapping{http.StatusBadRequest, "invalid_role"}},
		{riskpolicy.ErrInvalidAmount, mapping{http.StatusBadRequest, "invalid_amount"}},
		{riskpolicy.ErrInvalidWindow, mapping{http.StatusBadRequest, "invalid_window"}},
		{riskpolicy.ErrInvalidAddress, mapping{http.StatusBadRequest, "invalid_address"}},
	}

	for _, k := range known {
		if errors.Is(err, k.err) {
			c.JSON(k.m.status, gin.H{"error": k.m.code, "message": err.Error()})
			return
		}
	}

	logging.L(c.Request.Context()).Error("handler error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// -----------------------------------------------------------------------------
// Security overview
// -----------------------------------------------------------------------------

func (s *Server) securityOverview(c *gin.Context) {
	overview, err := s.orch.Overview(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (s *Server) queryAudit(c *gin.Context) {
	severity := audit.Severity(c.Query("severity"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	events, err := s.auditLog.Query(c.Request.Context(), c.Param("address"), severity, offset, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// -----------------------------------------------------------------------------
// TOTP
// -----------------------------------------------------------------------------

func (s *Server) beginTOTPSetup(c *gin.Context) {
	setup, err := s.factors.BeginTOTPSetup(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, setup)
}

type codeRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) confirmTOTPSetup(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "code is required"})
		return
	}

	if err := s.factors.ConfirmTOTPSetup(c.Request.Context(), c.Param("address"), req.Code); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

func (s *Server) disableTOTP(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "code is required"})
		return
	}

	if err := s.factors.DisableTOTP(c.Request.Context(), c.Param("address"), req.Code); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

func (s *Server) regenerateBackupCodes(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "code is required"})
		return
	}

	backupCodes, err := s.factors.RegenerateBackupCodes(c.Request.Context(), c.Param("address"), req.Code)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backupCodes": backupCodes})
}

// -----------------------------------------------------------------------------
// WebAuthn
// -----------------------------------------------------------------------------

func (s *Server) beginWebAuthnRegistration(c *gin.Context) {
	challenge, exclude, err := s.factors.BeginRegistration(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": challenge, "excludeCredentials": exclude})
}

func (s *Server) finishWebAuthnRegistration(c *gin.Context) {
	var req struct {
		ChallengeID string          `json:"challengeId" binding:"required"`
		Name        string          `json:"name"`
		Response    json.RawMessage `json:"response" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "challengeId and response are required"})
		return
	}

	cred, err := s.factors.FinishRegistration(c.Request.Context(), c.Param("address"), req.ChallengeID, req.Name, req.Response)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cred)
}

func (s *Server) beginWebAuthnAuthentication(c *gin.Context) {
	challenge, credentialIDs, err := s.factors.BeginAuthentication(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": challenge, "credentialIds": credentialIDs})
}

func (s *Server) finishWebAuthnAuthentication(c *gin.Context) {
	var req struct {
		ChallengeID  string          `json:"challengeId" binding:"required"`
		CredentialID string          `json:"credentialId" binding:"required"`
		Response     json.RawMessage `json:"response" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "challengeId, credentialId and response are required"})
		return
	}

	err := s.factors.FinishAuthentication(c.Request.Context(), c.Param("address"), req.ChallengeID, req.CredentialID, req.Response)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true})
}

// -----------------------------------------------------------------------------
// Devices & sessions
// -----------------------------------------------------------------------------

func (s *Server) identifyDevice(c *gin.Context) {
	var req struct {
		Fingerprint string            `json:"fingerprint" binding:"required"`
		Name        string            `json:"name"`
		Attributes  map[string]string `json:"attributes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "fingerprint is required"})
		return
	}

	dev, err := s.devices.Identify(c.Request.Context(), c.Param("address"), req.Fingerprint, req.Name, req.Attributes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

func (s *Server) createSession(c *gin.Context) {
	var req struct {
		DeviceID string `json:"deviceId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "deviceId is required"})
		return
	}

	// Frozen accounts don't get new sessions; this route is unauthenticated
	// so the check happens here rather than in the guard.
	frozen, err := s.emergency.IsFrozen(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	if frozen {
		c.JSON(http.StatusLocked, gin.H{"error": "account_frozen", "message": "Account is frozen"})
		return
	}

	token, sess, err := s.devices.CreateSession(c.Request.Context(), c.Param("address"), req.DeviceID, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "session": sess})
}

func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.devices.ListDevices(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

func (s *Server) setDeviceTrust(c *gin.Context) {
	var req struct {
		Trusted *bool `json:"trusted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "trusted is required"})
		return
	}

	var currentSessionID string
	if sess := currentSession(c); sess != nil {
		currentSessionID = sess.ID
	}

	dev, err := s.devices.SetTrusted(c.Request.Context(), c.Param("address"), c.Param("deviceId"), *req.Trusted, currentSessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

func (s *Server) removeDevice(c *gin.Context) {
	var currentSessionID string
	if sess := currentSession(c); sess != nil {
		currentSessionID = sess.ID
	}

	err := s.devices.RemoveDevice(c.Request.Context(), c.Param("address"), c.Param("deviceId"), currentSessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.devices.ListSessions(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) revokeSession(c *gin.Context) {
	err := s.devices.RevokeSession(c.Request.Context(), c.Param("address"), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

func (s *Server) revokeAllSessions(c *gin.Context) {
	count, err := s.devices.RevokeAll(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": count})
}

// -----------------------------------------------------------------------------
// Limits & transfers
// -----------------------------------------------------------------------------

func (s *Server) limitStatus(c *gin.Context) {
	limits, err := s.risk.Status(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limits": limits})
}

func (s *Server) setLimit(c *gin.Context) {
	var req struct {
		Cap string `json:"cap" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "cap is required"})
		return
	}

	limit, err := s.risk.SetLimit(c.Request.Context(), c.Param("address"), riskpolicy.Window(c.Param("window")), req.Cap)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, limit)
}

type transferRequest struct {
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) evaluateTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to and amount are required"})
		return
	}

	decision, err := s.risk.Evaluate(c.Request.Context(), c.Param("address"), req.To, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// submitTransfer runs the full transfer pipeline: evaluate against limits,
// then execute directly, queue for approval, or reject.
func (s *Server) submitTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to and amount are required"})
		return
	}

	account := c.Param("address")
	ctx := c.Request.Context()

	decision, err := s.risk.Evaluate(ctx, account, req.To, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	switch {
	case decision.Allowed():
		var txHash string
		if s.gateway != nil {
			txHash, err = s.gateway.Execute(ctx, account, req.To, req.Amount)
			if err != nil {
				respondError(c, err)
				return
			}
		}
		if err := s.risk.Commit(ctx, account, req.Amount); err != nil {
			// The transfer already went out; usage will self-correct at the
			// window reset but this must be visible.
			logging.L(ctx).Error("CRITICAL: transfer executed but limit commit failed",
				"account", account, "amount", req.Amount, "error", err)
		}
		metrics.TransferDecisionsTotal.WithLabelValues(decision.Decision).Inc()
		c.JSON(http.StatusOK, gin.H{"decision": decision, "txHash": txHash})

	case decision.Decision == riskpolicy.DecisionRequiresApproval:
		tx, err := s.approvals.Submit(ctx, account, req.To, req.Amount)
		if err != nil {
			respondError(c, err)
			return
		}
		metrics.TransferDecisionsTotal.WithLabelValues(decision.Decision).Inc()
		c.JSON(http.StatusAccepted, gin.H{"decision": decision, "pendingTx": tx})

	default: // rejected
		metrics.TransferDecisionsTotal.WithLabelValues(decision.Decision).Inc()
		c.JSON(http.StatusUnprocessableEntity, gin.H{"decision": decision})
	}
}

// -----------------------------------------------------------------------------
// Whitelist
// -----------------------------------------------------------------------------

func (s *Server) listWhitelist(c *gin.Context) {
	entries, err := s.risk.ListWhitelist(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"whitelist": entries, "count": len(entries)})
}

func (s *Server) addWhitelist(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
		Label   string `json:"label"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address is required"})
		return
	}

	entry, err := s.risk.AddWhitelist(c.Request.Context(), c.Param("address"), req.Address, req.Label)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) removeWhitelist(c *gin.Context) {
	addr := c.Param("addr")
	if !validation.IsValidEthAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Invalid Ethereum address"})
		return
	}

	if err := s.risk.RemoveWhitelist(c.Request.Context(), c.Param("address"), addr); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// -----------------------------------------------------------------------------
// Approvals & signers
// -----------------------------------------------------------------------------

func (s *Server) listApprovals(c *gin.Context) {
	status := approval.TxStatus(c.Query("status"))

	txs, err := s.approvals.List(c.Request.Context(), c.Param("address"), status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

func (s *Server) getApproval(c *gin.Context) {
	tx, err := s.approvals.Get(c.Request.Context(), c.Param("address"), c.Param("txId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type signerRequest struct {
	Signer string `json:"signer" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) approveTransfer(c *gin.Context) {
	var req signerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "signer is required"})
		return
	}

	tx, err := s.approvals.Approve(c.Request.Context(), c.Param("address"), c.Param("txId"), req.Signer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) rejectTransfer(c *gin.Context) {
	var req signerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "signer is required"})
		return
	}

	tx, err := s.approvals.Reject(c.Request.Context(), c.Param("address"), c.Param("txId"), req.Signer, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) listSigners(c *gin.Context) {
	signers, err := s.approvals.ListSigners(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}

	cfg, err := s.approvals.Config(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signers": signers, "required": cfg.RequiredApprovals})
}

func (s *Server) addSigner(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
		Role    string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address is required"})
		return
	}

	signer, err := s.approvals.AddSigner(c.Request.Context(), c.Param("address"), req.Address, approval.SignerRole(req.Role))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, signer)
}

func (s *Server) removeSigner(c *gin.Context) {
	addr := c.Param("addr")
	if !validation.IsValidEthAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Invalid Ethereum address"})
		return
	}

	if err := s.approvals.RemoveSigner(c.Request.Context(), c.Param("address"), addr); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) setThreshold(c *gin.Context) {
	var req struct {
		Required int `json:"required" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "required is required"})
		return
	}

	cfg, err := s.approvals.SetRequired(c.Request.Context(), c.Param("address"), req.Required)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// -----------------------------------------------------------------------------
// Emergency
// -----------------------------------------------------------------------------

func (s *Server) emergencyStatus(c *gin.Context) {
	state, err := s.emergency.Status(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) freeze(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req) // reason is optional

	state, err := s.emergency.Freeze(c.Request.Context(), c.Param("address"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) unfreeze(c *gin.Context) {
	state, err := s.emergency.Unfreeze(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) activatePanic(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req) // reason is optional

	state, err := s.emergency.ActivatePanic(c.Request.Context(), c.Param("address"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) deactivatePanic(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "code is required"})
		return
	}

	state, err := s.emergency.DeactivatePanic(c.Request.Context(), c.Param("address"), req.Code)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) listContacts(c *gin.Context) {
	contacts, err := s.emergency.ListContacts(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts, "count": len(contacts)})
}

func (s *Server) addContact(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Destination string `json:"destination" binding:"required"`
		CanUnfreeze bool   `json:"canUnfreeze"`
		CanRecover  bool   `json:"canRecover"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name and destination are required"})
		return
	}

	contact, err := s.emergency.AddContact(c.Request.Context(), c.Param("address"), req.Name, req.Destination, req.CanUnfreeze, req.CanRecover)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contact)
}

func (s *Server) removeContact(c *gin.Context) {
	err := s.emergency.RemoveContact(c.Request.Context(), c.Param("address"), c.Param("contactId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}
