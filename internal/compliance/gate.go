// Package compliance decides whether a prospect may legally and
// contractually be dialed right now.
package compliance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// DenyReason identifies which check refused the dial. Checks run in a fixed
// order and the first failing reason wins.
type DenyReason string

const (
	DenyOptOut         DenyReason = "opt_out_requested"
	DenyDNCListed      DenyReason = "dnc_listed"
	DenyMissingConsent DenyReason = "missing_consent"
	DenyBackoff        DenyReason = "backoff_pending"
	DenyOutsideWindow  DenyReason = "outside_call_window"
	DenyTerminal       DenyReason = "prospect_terminal"
)

// Result is the gate's verdict.
type Result struct {
	Allowed bool
	Reason  DenyReason
}

func allow() Result { return Result{Allowed: true} }
func deny(r DenyReason) Result { return Result{Reason: r} }

// Registry is the external do-not-call registry lookup. Eventually
// consistent; bounded staleness is acceptable.
type Registry interface {
	IsListed(ctx context.Context, phoneNumber string) (bool, error)
}

// Gate evaluates the ordered compliance checks. It is re-evaluated twice per
// dial: at queue selection and again immediately before dispatch.
type Gate struct {
	registry Registry
	log      *logger.Logger
}

// NewGate builds the gate. A nil registry skips external lookups and relies
// on the prospect's local dnc_listed flag alone.
func NewGate(registry Registry, log *logger.Logger) *Gate {
	return &Gate{registry: registry, log: log.Named("compliance")}
}

// MayDial runs all checks in order and returns the first denial, if any.
func (g *Gate) MayDial(ctx context.Context, campaign *domain.Campaign, prospect *domain.Prospect, now time.Time) Result {
	if prospect.Status.Terminal() {
		return deny(DenyTerminal)
	}
	if prospect.OptOutRequested {
		return deny(DenyOptOut)
	}
	if prospect.DNCListed {
		return deny(DenyDNCListed)
	}
	if g.registry != nil {
		listed, err := g.registry.IsListed(ctx, prospect.PhoneNumber)
		if err != nil {
			// the registry is advisory on top of the local flag; a lookup
			// outage must not halt whole campaigns
			g.log.Warn("dnc registry lookup failed",
				zap.String("prospect_id", prospect.ID.String()), zap.Error(err))
		} else if listed {
			return deny(DenyDNCListed)
		}
	}
	if campaign.RequireConsent && !prospect.ConsentGiven {
		return deny(DenyMissingConsent)
	}
	if prospect.NextCallEligibleAt != nil && prospect.NextCallEligibleAt.After(now) {
		return deny(DenyBackoff)
	}
	if !campaign.WithinCallWindow(now, prospect.TimeZone) {
		return deny(DenyOutsideWindow)
	}
	return allow()
}
