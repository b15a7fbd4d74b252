package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/pkg/logger"
)

type fakeRegistry struct {
	listed map[string]bool
	err    error
	calls  int
}

func (f *fakeRegistry) IsListed(_ context.Context, phone string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.listed[phone], nil
}

var noonMonday = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) // a Monday

func gateCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:       uuid.New(),
		TimeZone: "UTC",
		Status:   domain.CampaignStatusRunning,
		CallWindows: []domain.CallWindow{
			{DayOfWeek: time.Monday, StartMinute: 9 * 60, EndMinute: 17 * 60},
		},
	}
}

func gateProspect() *domain.Prospect {
	return &domain.Prospect{
		ID:           uuid.New(),
		PhoneNumber:  "+15550101",
		TimeZone:     "UTC",
		Status:       domain.ProspectStatusNew,
		ConsentGiven: true,
	}
}

func TestMayDialAllowsCleanProspect(t *testing.T) {
	g := NewGate(nil, logger.Nop())
	if res := g.MayDial(context.Background(), gateCampaign(), gateProspect(), noonMonday); !res.Allowed {
		t.Fatalf("expected allow, denied with %s", res.Reason)
	}
}

func TestDenialOrderFirstFailingReasonWins(t *testing.T) {
	g := NewGate(nil, logger.Nop())
	campaign := gateCampaign()
	campaign.RequireConsent = true

	// every check fails; opt-out must win
	p := gateProspect()
	p.OptOutRequested = true
	p.DNCListed = true
	p.ConsentGiven = false
	future := noonMonday.Add(time.Hour)
	p.NextCallEligibleAt = &future

	if res := g.MayDial(context.Background(), campaign, p, noonMonday); res.Reason != DenyOptOut {
		t.Fatalf("reason %s, want %s", res.Reason, DenyOptOut)
	}

	p.OptOutRequested = false
	if res := g.MayDial(context.Background(), campaign, p, noonMonday); res.Reason != DenyDNCListed {
		t.Fatalf("reason %s, want %s", res.Reason, DenyDNCListed)
	}

	p.DNCListed = false
	if res := g.MayDial(context.Background(), campaign, p, noonMonday); res.Reason != DenyMissingConsent {
		t.Fatalf("reason %s, want %s", res.Reason, DenyMissingConsent)
	}

	p.ConsentGiven = true
	if res := g.MayDial(context.Background(), campaign, p, noonMonday); res.Reason != DenyBackoff {
		t.Fatalf("reason %s, want %s", res.Reason, DenyBackoff)
	}

	p.NextCallEligibleAt = nil
	sunday := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if res := g.MayDial(context.Background(), campaign, p, sunday); res.Reason != DenyOutsideWindow {
		t.Fatalf("reason %s, want %s", res.Reason, DenyOutsideWindow)
	}
}

func TestRegistryListingDenies(t *testing.T) {
	reg := &fakeRegistry{listed: map[string]bool{"+15550101": true}}
	g := NewGate(reg, logger.Nop())

	if res := g.MayDial(context.Background(), gateCampaign(), gateProspect(), noonMonday); res.Reason != DenyDNCListed {
		t.Fatalf("reason %s, want %s", res.Reason, DenyDNCListed)
	}
}

func TestRegistryOutageDoesNotBlockDialing(t *testing.T) {
	reg := &fakeRegistry{err: errors.New("registry down")}
	g := NewGate(reg, logger.Nop())

	if res := g.MayDial(context.Background(), gateCampaign(), gateProspect(), noonMonday); !res.Allowed {
		t.Fatalf("lookup outage should not deny, got %s", res.Reason)
	}
}

func TestWindowCheckUsesProspectTimeZone(t *testing.T) {
	g := NewGate(nil, logger.Nop())
	campaign := gateCampaign()

	p := gateProspect()
	p.TimeZone = "America/New_York"

	// noon UTC is 7am in New York, before the 9-17 window opens
	if res := g.MayDial(context.Background(), campaign, p, noonMonday); res.Reason != DenyOutsideWindow {
		t.Fatalf("reason %s, want %s", res.Reason, DenyOutsideWindow)
	}

	// 15:00 UTC is 10am in New York
	if res := g.MayDial(context.Background(), campaign, p, noonMonday.Add(3*time.Hour)); !res.Allowed {
		t.Fatalf("expected allow inside local window, got %s", res.Reason)
	}
}

func TestMidnightSpanningWindow(t *testing.T) {
	g := NewGate(nil, logger.Nop())
	campaign := gateCampaign()
	campaign.CallWindows = []domain.CallWindow{
		{DayOfWeek: time.Monday, StartMinute: 22 * 60, EndMinute: 2 * 60},
	}
	p := gateProspect()

	night := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	if res := g.MayDial(context.Background(), campaign, p, night); !res.Allowed {
		t.Fatalf("23:00 Monday should fall in 22:00-02:00 window, got %s", res.Reason)
	}

	earlyTuesday := time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	if res := g.MayDial(context.Background(), campaign, p, earlyTuesday); !res.Allowed {
		t.Fatalf("01:00 Tuesday should fall in Monday's overnight window, got %s", res.Reason)
	}
}

func TestEmptyWindowSetAllowsAnyTime(t *testing.T) {
	g := NewGate(nil, logger.Nop())
	campaign := gateCampaign()
	campaign.CallWindows = nil

	midnight := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	if res := g.MayDial(context.Background(), campaign, gateProspect(), midnight); !res.Allowed {
		t.Fatalf("empty window set should allow, got %s", res.Reason)
	}
}
