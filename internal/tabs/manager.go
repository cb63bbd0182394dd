// Package tabs owns the pool of open tabs: one filter, one tab, one
// handle. Slots are recycled (closed and reopened) rather than patched
// in place when a page goes bad, and a per-site cap bounds how many
// tabs the pool will hold open against one site.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"arb-alerts/internal/auth"
	"arb-alerts/internal/browser"
	"arb-alerts/internal/config"
)

// State is the lifecycle of a Slot.
type State string

const (
	StateUnopened State = "unopened"
	StateOpening  State = "opening"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateClosed   State = "closed"
)

// Slot maps a logical filter to a physical tab.
type Slot struct {
	ID                string
	SiteID            string
	FilterID          string
	Handle            browser.TabHandle
	State             State
	LastHealthCheckAt time.Time
}

// CapacityError reports that the per-site tab cap is reached. Callers
// decide priority; the pool never evicts another filter's tab.
type CapacityError struct {
	Site  string
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("tabs: site %s at capacity (%d tabs)", e.Site, e.Limit)
}

// ErrUnknownSlot is returned for operations on a released slot.
var ErrUnknownSlot = errors.New("tabs: unknown slot")

type slotEntry struct {
	mu   sync.Mutex // serializes all operations on this slot's handle
	slot Slot
}

// Manager owns the tab pool.
type Manager struct {
	driver     browser.Driver
	sessions   *auth.Manager
	filters    map[string]config.FilterConfig
	maxPerSite int
	logger     zerolog.Logger

	mu       sync.Mutex
	byFilter map[string]*slotEntry
	bySlot   map[string]*slotEntry
}

// NewManager constructs the tab pool.
func NewManager(driver browser.Driver, sessions *auth.Manager, filters []config.FilterConfig, maxPerSite int, logger zerolog.Logger) *Manager {
	byID := make(map[string]config.FilterConfig, len(filters))
	for _, f := range filters {
		byID[f.ID] = f
	}
	if maxPerSite <= 0 {
		maxPerSite = 1
	}
	return &Manager{
		driver:     driver,
		sessions:   sessions,
		filters:    byID,
		maxPerSite: maxPerSite,
		logger:     logger.With().Str("component", "tabs").Logger(),
		byFilter:   make(map[string]*slotEntry),
		bySlot:     make(map[string]*slotEntry),
	}
}

// Acquire returns the slot already bound to the filter, or opens a new
// tab at the filter's target URL. Exceeding the per-site cap fails with
// CapacityError rather than evicting another filter's tab.
func (m *Manager) Acquire(ctx context.Context, filterID string) (Slot, error) {
	filter, ok := m.filters[filterID]
	if !ok {
		return Slot{}, fmt.Errorf("tabs: unknown filter %q", filterID)
	}

	m.mu.Lock()
	if entry, ok := m.byFilter[filterID]; ok {
		slot := entry.slot
		m.mu.Unlock()
		return slot, nil
	}

	open := 0
	for _, entry := range m.byFilter {
		if entry.slot.SiteID == filter.Site && entry.slot.State != StateClosed {
			open++
		}
	}
	if open >= m.maxPerSite {
		m.mu.Unlock()
		return Slot{}, &CapacityError{Site: filter.Site, Limit: m.maxPerSite}
	}

	entry := &slotEntry{slot: Slot{
		ID:       uuid.NewString(),
		SiteID:   filter.Site,
		FilterID: filterID,
		State:    StateOpening,
	}}
	m.byFilter[filterID] = entry
	m.bySlot[entry.slot.ID] = entry
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := m.open(ctx, entry, filter); err != nil {
		m.remove(entry)
		return Slot{}, err
	}
	return entry.slot, nil
}

// Release closes the slot's tab and forgets the slot.
func (m *Manager) Release(ctx context.Context, slotID string) error {
	entry, err := m.entry(slotID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.slot.Handle != "" {
		if err := m.driver.CloseTab(ctx, entry.slot.Handle); err != nil && !errors.Is(err, browser.ErrTabClosed) {
			m.logger.Warn().Str("filter", entry.slot.FilterID).Err(err).Msg("close tab")
		}
	}
	entry.slot.State = StateClosed
	entry.slot.Handle = ""
	m.remove(entry)

	m.logger.Debug().Str("filter", entry.slot.FilterID).Msg("slot released")
	return nil
}

// Recycle closes and reopens the slot's tab, re-navigating to the
// filter URL with the site session re-applied. The uniform recovery
// action for a page stuck in a bad state.
func (m *Manager) Recycle(ctx context.Context, slotID string) (Slot, error) {
	entry, err := m.entry(slotID)
	if err != nil {
		return Slot{}, err
	}
	filter, ok := m.filters[entry.slot.FilterID]
	if !ok {
		return Slot{}, fmt.Errorf("tabs: unknown filter %q", entry.slot.FilterID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.slot.Handle != "" {
		if err := m.driver.CloseTab(ctx, entry.slot.Handle); err != nil && !errors.Is(err, browser.ErrTabClosed) {
			m.logger.Warn().Str("filter", entry.slot.FilterID).Err(err).Msg("close tab for recycle")
		}
	}
	entry.slot.Handle = ""
	entry.slot.State = StateUnopened

	if err := m.open(ctx, entry, filter); err != nil {
		return Slot{}, err
	}

	m.logger.Info().Str("filter", entry.slot.FilterID).Msg("slot recycled")
	return entry.slot, nil
}

// MarkDegraded flips the slot's state after defense escalation.
func (m *Manager) MarkDegraded(slotID string) {
	entry, err := m.entry(slotID)
	if err != nil {
		return
	}
	entry.mu.Lock()
	entry.slot.State = StateDegraded
	entry.mu.Unlock()
}

// TouchHealthCheck records when the slot was last classified.
func (m *Manager) TouchHealthCheck(slotID string, at time.Time) {
	entry, err := m.entry(slotID)
	if err != nil {
		return
	}
	entry.mu.Lock()
	entry.slot.LastHealthCheckAt = at
	entry.mu.Unlock()
}

// Get returns a snapshot of one slot.
func (m *Manager) Get(slotID string) (Slot, error) {
	entry, err := m.entry(slotID)
	if err != nil {
		return Slot{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.slot, nil
}

// ListActive returns a snapshot of every slot that is not closed.
func (m *Manager) ListActive() []Slot {
	m.mu.Lock()
	entries := make([]*slotEntry, 0, len(m.byFilter))
	for _, entry := range m.byFilter {
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	slots := make([]Slot, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.slot.State != StateClosed {
			slots = append(slots, entry.slot)
		}
		entry.mu.Unlock()
	}
	return slots
}

// ReleaseAll closes every slot; used on shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) {
	for _, slot := range m.ListActive() {
		if err := m.Release(ctx, slot.ID); err != nil && !errors.Is(err, ErrUnknownSlot) {
			m.logger.Warn().Str("filter", slot.FilterID).Err(err).Msg("release slot")
		}
	}
}

// WithSlot runs fn with the slot's operation lock held, serializing it
// against acquire/recycle/release on the same handle.
func (m *Manager) WithSlot(slotID string, fn func(slot Slot) error) error {
	entry, err := m.entry(slotID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.slot)
}

func (m *Manager) open(ctx context.Context, entry *slotEntry, filter config.FilterConfig) error {
	entry.slot.State = StateOpening

	handle, err := m.driver.OpenTab(ctx, filter.URL)
	if err != nil {
		entry.slot.State = StateUnopened
		return fmt.Errorf("tabs: open %s: %w", filter.ID, err)
	}

	if m.sessions != nil {
		if err := m.sessions.ApplySession(ctx, handle, filter.Site); err != nil {
			m.logger.Warn().Str("filter", filter.ID).Err(err).Msg("apply session")
		} else if err := m.driver.Navigate(ctx, handle, filter.URL); err != nil {
			// Reload once so the injected cookies take effect.
			m.logger.Warn().Str("filter", filter.ID).Err(err).Msg("reload after session apply")
		}
	}

	entry.slot.Handle = handle
	entry.slot.State = StateReady
	m.logger.Debug().Str("filter", filter.ID).Str("site", filter.Site).Msg("tab ready")
	return nil
}

func (m *Manager) entry(slotID string) (*slotEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.bySlot[slotID]
	if !ok {
		return nil, ErrUnknownSlot
	}
	return entry, nil
}

func (m *Manager) remove(entry *slotEntry) {
	m.mu.Lock()
	delete(m.byFilter, entry.slot.FilterID)
	delete(m.bySlot, entry.slot.ID)
	m.mu.Unlock()
}
