package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wardkeep.org/internal/audit"
	"wardkeep.org/internal/auth"
)

// FacilityInfo is returned by facility.info to any caller.
type FacilityInfo struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Operations int    `json:"operations"`
}

// WhoAmI describes the caller's session.
type WhoAmI struct {
	SubjectID    string    `json:"subject_id"`
	Role         auth.Role `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

type RevokeRequest struct {
	SubjectID string `json:"subject_id"`
}

type RevokeResult struct {
	Revoked int `json:"revoked"`
}

// RegisterBuiltins adds the operations served by the auth core itself.
func RegisterBuiltins(r *Registry, sessions *auth.Registry, name, version string) error {
	if err := Register(r, auth.OpFacilityInfo, func(context.Context, struct{}) (FacilityInfo, error) {
		return FacilityInfo{Name: name, Version: version, Operations: len(r.Names())}, nil
	}); err != nil {
		return err
	}

	if err := Register(r, auth.OpWhoAmI, func(ctx context.Context, _ struct{}) (WhoAmI, error) {
		sess, ok := auth.SessionFromContext(ctx)
		if !ok {
			return WhoAmI{}, auth.ErrUnauthorized
		}
		return WhoAmI{
			SubjectID:    sess.SubjectID,
			Role:         sess.Role,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity,
		}, nil
	}); err != nil {
		return err
	}

	return Register(r, auth.OpRevokeSubjectSessions, func(ctx context.Context, req RevokeRequest) (RevokeResult, error) {
		subject := strings.TrimSpace(req.SubjectID)
		if subject == "" {
			return RevokeResult{}, fmt.Errorf("%w: subject_id is required", auth.ErrInvalidInput)
		}
		n, err := sessions.DestroySubject(ctx, subject)
		if err != nil {
			return RevokeResult{}, err
		}
		_ = audit.LogEvent(ctx, "sessions.revoke_subject", map[string]any{"target": subject, "revoked": n})
		return RevokeResult{Revoked: n}, nil
	})
}
