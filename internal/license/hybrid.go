package license

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	apperrors "peoplecore/internal/errors"
)

// ValidationVerdict is the outcome of a full validation pass. Valid
// reflects the effective decision after local checks, the remote
// authority, and any applicable grace window.
type ValidationVerdict struct {
	Valid            bool      `json:"valid"`
	Source           string    `json:"source"` // local, remote, grace
	Status           string    `json:"status"` // ACTIVE, GRACE_PERIOD, EXPIRED
	LicenseID        string    `json:"license_id,omitempty"`
	Tier             string    `json:"tier,omitempty"`
	Company          string    `json:"company,omitempty"`
	MaxEmployees     int       `json:"max_employees,omitempty"`
	Features         []string  `json:"features,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	Revoked          bool      `json:"revoked,omitempty"`
	RevocationReason string    `json:"revocation_reason,omitempty"`
}

// HybridValidator runs local cryptographic and binding checks first,
// then consults the remote admin panel. Remote answers supersede local
// ones; remote unavailability falls back to the cached state and the
// grace window. A nil client puts the validator in local-only mode.
type HybridValidator struct {
	local  *LocalValidator
	client *AdminClient
	store  *StateStore
	logger *slog.Logger
	clock  func() time.Time
}

// NewHybridValidator wires the validation pipeline. client may be nil
// when no admin panel is configured.
func NewHybridValidator(local *LocalValidator, client *AdminClient, store *StateStore, logger *slog.Logger) *HybridValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridValidator{
		local:  local,
		client: client,
		store:  store,
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the time source, used by tests
func (h *HybridValidator) WithClock(clock func() time.Time) *HybridValidator {
	h.clock = clock
	if h.local != nil {
		h.local.WithClock(clock)
	}
	return h
}

// LocalOnly reports whether no remote authority is configured
func (h *HybridValidator) LocalOnly() bool {
	return h.client == nil
}

// Validate runs the full pipeline. The returned verdict is always
// non-nil; a non-nil error means the license is not usable and carries
// the specific failure.
func (h *HybridValidator) Validate(ctx context.Context, token string) (*ValidationVerdict, error) {
	info, err := h.local.Validate(token)
	if err != nil {
		return &ValidationVerdict{Valid: false, Source: "local", Status: "EXPIRED"}, err
	}

	verdict := &ValidationVerdict{
		Valid:        true,
		Source:       "local",
		Status:       GraceActive.String(),
		LicenseID:    info.LicenseID,
		Tier:         info.Tier,
		Company:      info.Company,
		MaxEmployees: info.MaxEmployees,
		Features:     info.Features,
		ExpiresAt:    info.ExpiresAt,
	}

	// Local-only mode: the token is the sole authority and the grace
	// window does not apply.
	if h.client == nil {
		return verdict, nil
	}

	now := h.clock().UTC()
	remote, remoteErr := h.validateRemote(ctx, info)

	if remoteErr == nil {
		return h.applyRemote(ctx, info, remote, now)
	}

	if apperrors.IsTerminal(remoteErr) {
		h.logger.WarnContext(ctx, "remote authority rejected license",
			slog.String("license_id", MaskLicenseKey(info.LicenseID)),
			slog.String("error", remoteErr.Error()))
		verdict.Valid = false
		verdict.Source = "remote"
		verdict.Status = GraceExpired.String()
		return verdict, remoteErr
	}

	// Remote unreachable: fall back to the cached state
	return h.applyGrace(ctx, info, verdict, now, remoteErr)
}

// validateRemote performs one audited remote validation call
func (h *HybridValidator) validateRemote(ctx context.Context, info *LicenseInfo) (*RemoteValidation, error) {
	started := h.clock().UTC()
	hardwareID := ""
	if h.local.fingerprinter != nil {
		if fp, _, err := h.local.fingerprinter.Generate(); err == nil {
			hardwareID = fp
		}
	}

	remote, err := h.client.ValidateLicense(ctx, info.LicenseID, hardwareID)
	completed := h.clock().UTC()

	entry := &SyncLogEntry{
		SyncType:    "validation",
		Status:      "success",
		StartedAt:   started,
		CompletedAt: completed,
		DurationMS:  completed.Sub(started).Milliseconds(),
	}
	if err != nil {
		entry.Status = "failure"
		entry.ErrorMessage = err.Error()
	} else if remote != nil {
		if data, jsonErr := json.Marshal(remote); jsonErr == nil {
			entry.ResponseData = string(data)
		}
	}
	if h.store != nil {
		if logErr := h.store.RecordSync(ctx, entry); logErr != nil {
			h.logger.WarnContext(ctx, "failed to record sync attempt",
				slog.String("error", logErr.Error()))
		}
	}
	return remote, err
}

// applyRemote folds an authoritative remote answer into the store and
// the verdict. Remote fields supersede the token claims.
func (h *HybridValidator) applyRemote(ctx context.Context, info *LicenseInfo, remote *RemoteValidation, now time.Time) (*ValidationVerdict, error) {
	if remote.Revoked {
		if h.store != nil {
			if err := h.store.MarkRevoked(ctx, info.LicenseID, remote.RevocationReason, now); err != nil {
				h.logger.ErrorContext(ctx, "failed to persist revocation",
					slog.String("error", err.Error()))
			}
		}
		h.logger.WarnContext(ctx, "license revoked by admin panel",
			slog.String("license_id", MaskLicenseKey(info.LicenseID)),
			slog.String("reason", remote.RevocationReason))
		return &ValidationVerdict{
			Valid:            false,
			Source:           "remote",
			Status:           GraceExpired.String(),
			LicenseID:        info.LicenseID,
			Revoked:          true,
			RevocationReason: remote.RevocationReason,
		}, fmt.Errorf("%w: %s", apperrors.ErrLicenseRevoked, remote.RevocationReason)
	}

	// Rejected but not revoked: the panel no longer considers the
	// license valid (lapsed or suspended). The state must not carry a
	// revocation record for it.
	if !remote.Valid {
		if h.store != nil {
			if err := h.store.MarkInvalid(ctx, info.LicenseID, now); err != nil {
				h.logger.ErrorContext(ctx, "failed to persist rejection",
					slog.String("error", err.Error()))
			}
		}
		h.logger.WarnContext(ctx, "license rejected by admin panel",
			slog.String("license_id", MaskLicenseKey(info.LicenseID)))
		return &ValidationVerdict{
			Valid:     false,
			Source:    "remote",
			Status:    GraceExpired.String(),
			LicenseID: info.LicenseID,
		}, fmt.Errorf("%w: license reported invalid", apperrors.ErrRemoteRejected)
	}

	state := &LicenseState{
		LicenseID:            info.LicenseID,
		Tier:                 pickString(remote.Tier, info.Tier),
		Company:              pickString(remote.CompanyName, info.Company),
		MaxEmployees:         pickInt(remote.MaxEmployees, info.MaxEmployees),
		Features:             pickFeatures(remote.Features, info.Features),
		ExpiresAt:            pickTime(remote.ExpiresAt, info.ExpiresAt),
		LastOnlineValidation: &now,
		LastValidationStatus: "valid",
		IsActive:             true,
		UpdatedAt:            now,
	}
	graceEnds := now.Add(h.graceWindow())
	state.GracePeriodEnds = &graceEnds

	if h.store != nil {
		if err := h.store.Upsert(ctx, state); err != nil {
			h.logger.ErrorContext(ctx, "failed to refresh license state",
				slog.String("error", err.Error()))
		}
	}

	return &ValidationVerdict{
		Valid:        true,
		Source:       "remote",
		Status:       GraceActive.String(),
		LicenseID:    info.LicenseID,
		Tier:         state.Tier,
		Company:      state.Company,
		MaxEmployees: state.MaxEmployees,
		Features:     state.Features,
		ExpiresAt:    state.ExpiresAt,
	}, nil
}

// applyGrace resolves a verdict from the cached state when the remote
// authority cannot be reached
func (h *HybridValidator) applyGrace(ctx context.Context, info *LicenseInfo, verdict *ValidationVerdict, now time.Time, remoteErr error) (*ValidationVerdict, error) {
	var state *LicenseState
	if h.store != nil {
		var err error
		state, err = h.store.Get(ctx)
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to read cached license state",
				slog.String("error", err.Error()))
		}
	}

	status := GraceExpired
	if h.store != nil {
		status = h.store.ComputeGrace(state, now)
	}

	switch status {
	case GraceActive, GracePeriod:
		h.logger.InfoContext(ctx, "remote unreachable, operating on cached validation",
			slog.String("license_id", MaskLicenseKey(info.LicenseID)),
			slog.String("status", status.String()))
		verdict.Valid = true
		verdict.Source = "grace"
		verdict.Status = status.String()
		if state != nil {
			verdict.Tier = pickString(state.Tier, verdict.Tier)
			verdict.Features = pickFeatures(state.Features, verdict.Features)
			verdict.MaxEmployees = pickInt(state.MaxEmployees, verdict.MaxEmployees)
		}
		return verdict, nil
	default:
		if state != nil && (state.RevokedAt != nil || state.LastValidationStatus == "revoked") {
			verdict.Valid = false
			verdict.Source = "grace"
			verdict.Status = GraceExpired.String()
			verdict.Revoked = true
			verdict.RevocationReason = state.RevocationReason
			return verdict, fmt.Errorf("%w: %s", apperrors.ErrLicenseRevoked, state.RevocationReason)
		}
		h.logger.WarnContext(ctx, "grace window exhausted",
			slog.String("license_id", MaskLicenseKey(info.LicenseID)),
			slog.String("remote_error", remoteErr.Error()))
		verdict.Valid = false
		verdict.Source = "grace"
		verdict.Status = GraceExpired.String()
		return verdict, fmt.Errorf("%w: remote unreachable since last validation", apperrors.ErrGraceExpired)
	}
}

func (h *HybridValidator) graceWindow() time.Duration {
	if h.store != nil {
		return h.store.GraceWindow()
	}
	return 0
}

func pickString(remote, local string) string {
	if remote != "" {
		return remote
	}
	return local
}

func pickInt(remote, local int) int {
	if remote != 0 {
		return remote
	}
	return local
}

func pickFeatures(remote, local []string) []string {
	if len(remote) > 0 {
		return remote
	}
	return local
}

func pickTime(remote, local time.Time) time.Time {
	if !remote.IsZero() {
		return remote
	}
	return local
}
