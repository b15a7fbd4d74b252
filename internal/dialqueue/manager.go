// Package dialqueue selects the next eligible prospect for a campaign.
// Selection is in-memory and non-blocking; reservation and removal from the
// pool happen in one atomic step so a prospect can never have two outstanding
// selections.
package dialqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/domain"
	apperrors "github.com/acme/campaign-dialer/pkg/errors"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// SelectionFilter is the local, non-blocking part of the compliance gate
// applied at selection time. The full gate (including registry lookups) runs
// again at dispatch time.
type SelectionFilter func(campaign *domain.Campaign, prospect *domain.Prospect, now time.Time) bool

// Manager owns per-campaign prospect pools and reservations.
type Manager struct {
	mu             sync.Mutex
	campaigns      map[uuid.UUID]*campaignQueue
	filter         SelectionFilter
	reservationTTL time.Duration
	log            *logger.Logger
}

type campaignQueue struct {
	campaign  *domain.Campaign
	prospects map[uuid.UUID]*domain.Prospect
	ingestion []uuid.UUID // insertion order, drives the "new" tier
	reserved  map[uuid.UUID]reservation
}

type reservation struct {
	expiresAt time.Time // zero once dispatch is confirmed
}

// NewManager builds a queue manager. The filter gates selection; reservations
// not confirmed within ttl are reclaimed.
func NewManager(filter SelectionFilter, ttl time.Duration, log *logger.Logger) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{
		campaigns:      make(map[uuid.UUID]*campaignQueue),
		filter:         filter,
		reservationTTL: ttl,
		log:            log.Named("dialqueue"),
	}
}

// Register installs (or replaces) a campaign's prospect pool.
func (m *Manager) Register(campaign *domain.Campaign, prospects []*domain.Prospect) {
	q := &campaignQueue{
		campaign:  campaign,
		prospects: make(map[uuid.UUID]*domain.Prospect, len(prospects)),
		reserved:  make(map[uuid.UUID]reservation),
	}
	for _, p := range prospects {
		cp := *p
		q.prospects[p.ID] = &cp
		q.ingestion = append(q.ingestion, p.ID)
	}
	m.mu.Lock()
	m.campaigns[campaign.ID] = q
	m.mu.Unlock()
}

// Add ingests one prospect into an already registered campaign pool.
func (m *Manager) Add(prospect *domain.Prospect) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.campaigns[prospect.CampaignID]
	if !ok {
		return
	}
	if _, exists := q.prospects[prospect.ID]; exists {
		return
	}
	cp := *prospect
	q.prospects[prospect.ID] = &cp
	q.ingestion = append(q.ingestion, prospect.ID)
}

// Unregister drops a campaign's pool entirely.
func (m *Manager) Unregister(campaignID uuid.UUID) {
	m.mu.Lock()
	delete(m.campaigns, campaignID)
	m.mu.Unlock()
}

// NextCallable picks the next eligible prospect, reserving it atomically.
// Selection order: due callbacks (earliest due first), then new prospects in
// ingestion order, then backoff-eligible retries by next-eligible time.
// Returns nil when nothing is callable right now.
func (m *Manager) NextCallable(campaignID uuid.UUID, now time.Time) *domain.Prospect {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.campaigns[campaignID]
	if !ok {
		return nil
	}

	if p := q.dueCallback(m.filter, now); p != nil {
		return q.reserve(p, now.Add(m.reservationTTL))
	}
	if p := q.nextNew(m.filter, now); p != nil {
		return q.reserve(p, now.Add(m.reservationTTL))
	}
	if p := q.dueRetry(m.filter, now); p != nil {
		return q.reserve(p, now.Add(m.reservationTTL))
	}
	return nil
}

// Confirm marks a reservation as dispatched; the prospect stays out of the
// pool until Complete and is no longer subject to stale reclamation. A
// reservation already reclaimed (or never held) reports ErrStaleReservation.
func (m *Manager) Confirm(campaignID, prospectID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.campaigns[campaignID]; ok {
		if _, held := q.reserved[prospectID]; held {
			q.reserved[prospectID] = reservation{}
			return nil
		}
	}
	return fmt.Errorf("%w: prospect %s", apperrors.ErrStaleReservation, prospectID)
}

// Release returns a reserved prospect to the pool without recording an
// attempt, e.g. after a dispatch-time compliance denial.
func (m *Manager) Release(campaignID, prospectID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.campaigns[campaignID]; ok {
		delete(q.reserved, prospectID)
	}
}

// Complete applies the post-attempt prospect state and frees its reservation.
func (m *Manager) Complete(prospect *domain.Prospect) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.campaigns[prospect.CampaignID]
	if !ok {
		return
	}
	delete(q.reserved, prospect.ID)
	if _, exists := q.prospects[prospect.ID]; exists {
		cp := *prospect
		q.prospects[prospect.ID] = &cp
	}
}

// ReclaimStale releases unconfirmed reservations older than the TTL so a
// crashed worker cannot strand prospects. Returns the campaigns that got
// prospects back, one entry per reclaimed reservation.
func (m *Manager) ReclaimStale(now time.Time) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reclaimed []uuid.UUID
	for _, q := range m.campaigns {
		for id, res := range q.reserved {
			if !res.expiresAt.IsZero() && res.expiresAt.Before(now) {
				delete(q.reserved, id)
				reclaimed = append(reclaimed, q.campaign.ID)
				m.log.Warn("reclaimed stale reservation",
					zap.String("prospect_id", id.String()),
					zap.String("campaign_id", q.campaign.ID.String()))
			}
		}
	}
	return reclaimed
}

// Pending counts prospects that are not yet in a terminal status. A campaign
// with zero pending prospects and zero in-flight attempts is drained.
func (m *Manager) Pending(campaignID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.campaigns[campaignID]
	if !ok {
		return 0
	}
	n := 0
	for _, p := range q.prospects {
		if !p.Status.Terminal() {
			n++
		}
	}
	return n
}

// Prospect returns a snapshot of a pooled prospect.
func (m *Manager) Prospect(campaignID, prospectID uuid.UUID) (*domain.Prospect, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.campaigns[campaignID]
	if !ok {
		return nil, false
	}
	p, ok := q.prospects[prospectID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (q *campaignQueue) reserve(p *domain.Prospect, expiresAt time.Time) *domain.Prospect {
	q.reserved[p.ID] = reservation{expiresAt: expiresAt}
	cp := *p
	return &cp
}

func (q *campaignQueue) eligible(filter SelectionFilter, p *domain.Prospect, now time.Time) bool {
	if _, held := q.reserved[p.ID]; held {
		return false
	}
	if !p.Dialable() {
		return false
	}
	if filter != nil && !filter(q.campaign, p, now) {
		return false
	}
	return true
}

func (q *campaignQueue) dueCallback(filter SelectionFilter, now time.Time) *domain.Prospect {
	var best *domain.Prospect
	for _, p := range q.prospects {
		if p.Status != domain.ProspectStatusCallbackRequested || p.CallbackDueAt == nil {
			continue
		}
		if p.CallbackDueAt.After(now) || !q.eligible(filter, p, now) {
			continue
		}
		if best == nil || p.CallbackDueAt.Before(*best.CallbackDueAt) {
			best = p
		}
	}
	return best
}

func (q *campaignQueue) nextNew(filter SelectionFilter, now time.Time) *domain.Prospect {
	for _, id := range q.ingestion {
		p, ok := q.prospects[id]
		if !ok || p.Status != domain.ProspectStatusNew {
			continue
		}
		if q.eligible(filter, p, now) {
			return p
		}
	}
	return nil
}

func (q *campaignQueue) dueRetry(filter SelectionFilter, now time.Time) *domain.Prospect {
	var best *domain.Prospect
	for _, p := range q.prospects {
		if p.Status == domain.ProspectStatusNew || p.Status == domain.ProspectStatusCallbackRequested {
			continue
		}
		if p.NextCallEligibleAt == nil || p.NextCallEligibleAt.After(now) {
			continue
		}
		if !q.eligible(filter, p, now) {
			continue
		}
		if best == nil || p.NextCallEligibleAt.Before(*best.NextCallEligibleAt) {
			best = p
		}
	}
	return best
}
