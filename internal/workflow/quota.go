package workflow

import (
	"context"
	"fmt"

	"github.com/pavelanni/questionflow/internal/model"
)

// DefaultQuotaMax is the claim cap used when neither settings nor config provide one.
const DefaultQuotaMax = 10

// Band classifies how close a reviewer is to their quota.
type Band string

const (
	BandAvailable Band = "available"
	BandMedium    Band = "medium"
	BandHigh      Band = "high"
	BandFull      Band = "full"
)

// QuotaStatus is a reviewer's current claim load.
type QuotaStatus struct {
	Current int  `json:"current"`
	Max     int  `json:"max"`
	Percent int  `json:"percent"`
	Band    Band `json:"band"`
}

// NewQuotaStatus computes the percentage and band for current claims out of limit.
func NewQuotaStatus(current, limit int) QuotaStatus {
	qs := QuotaStatus{Current: current, Max: limit}
	if limit > 0 {
		qs.Percent = current * 100 / limit
	} else {
		qs.Percent = 100
	}
	switch {
	case qs.Percent >= 100:
		qs.Band = BandFull
	case qs.Percent >= 80:
		qs.Band = BandHigh
	case qs.Percent >= 50:
		qs.Band = BandMedium
	default:
		qs.Band = BandAvailable
	}
	return qs
}

// Quota reports how many questions reviewerID holds against the configured cap.
// The cap stored in settings wins over the command-line default.
func (s *Service) Quota(ctx context.Context, reviewerID int64) (QuotaStatus, error) {
	limit, err := s.store.QuotaMax(ctx, s.cfg.QuotaMax)
	if err != nil {
		return QuotaStatus{}, fmt.Errorf("quota max: %w", err)
	}
	n, err := s.store.CountClaimedBy(ctx, reviewerID)
	if err != nil {
		return QuotaStatus{}, fmt.Errorf("count claims: %w", err)
	}
	return NewQuotaStatus(n, limit), nil
}

// MyQuota is Quota for the session's own user.
func (s *Service) MyQuota(ctx context.Context, sess model.Session) (QuotaStatus, error) {
	if err := s.require(sess, model.RoleQCData); err != nil {
		return QuotaStatus{}, err
	}
	return s.Quota(ctx, sess.User.ID)
}
