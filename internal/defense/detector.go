// Package defense classifies rendered pages into health verdicts and
// tracks how long a tab has been stuck in a bad one. Classification is
// a pure read of the current page; recovery actions belong to the
// orchestrator.
package defense

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arb-alerts/internal/browser"
	"arb-alerts/internal/config"
	"arb-alerts/internal/tabs"
)

// Classification of a rendered page.
type Classification string

const (
	ClassOK           Classification = "ok"
	ClassCaptcha      Classification = "captcha"
	ClassInterstitial Classification = "interstitial"
	ClassRateLimited  Classification = "rate_limited"
	ClassLoggedOut    Classification = "logged_out"
	ClassUnknown      Classification = "unknown"
)

// Verdict is the ephemeral result of one classification pass.
type Verdict struct {
	SlotID         string
	Classification Classification
	Evidence       string
	ObservedAt     time.Time
}

// EscalationError reports a slot degraded after its retry bound.
type EscalationError struct {
	SlotID         string
	FilterID       string
	Classification Classification
	Consecutive    int
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("defense: slot %s (%s) stuck at %s for %d cycles", e.SlotID, e.FilterID, e.Classification, e.Consecutive)
}

// Detector classifies slot pages against per-site markers.
type Detector struct {
	driver browser.Driver
	sites  map[string]config.SiteConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewDetector constructs a Detector.
func NewDetector(driver browser.Driver, sites map[string]config.SiteConfig, logger zerolog.Logger) *Detector {
	return &Detector{
		driver: driver,
		sites:  sites,
		logger: logger.With().Str("component", "defense").Logger(),
		now:    time.Now,
	}
}

// WithNow overrides the verdict timestamp source. For tests.
func (d *Detector) WithNow(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Classify evaluates the slot's current page content in priority order:
// captcha, interstitial, logged-out, rate-limited, ok. It never
// navigates; a failed read yields ClassUnknown.
func (d *Detector) Classify(ctx context.Context, slot tabs.Slot) Verdict {
	verdict := Verdict{SlotID: slot.ID, ObservedAt: d.now()}

	site, ok := d.sites[slot.SiteID]
	if !ok {
		verdict.Classification = ClassUnknown
		verdict.Evidence = "unknown site"
		return verdict
	}

	html, err := d.driver.PageHTML(ctx, slot.Handle)
	if err != nil {
		d.logger.Warn().Str("filter", slot.FilterID).Err(err).Msg("page read failed")
		verdict.Classification = ClassUnknown
		verdict.Evidence = err.Error()
		return verdict
	}

	verdict.Classification, verdict.Evidence = ClassifyContent(ctx, html, site, func(selector string) (browser.Text, error) {
		return d.driver.ReadText(ctx, slot.Handle, selector)
	})
	return verdict
}

// ClassifyContent applies the marker rules to already-rendered content.
// Deterministic: identical content yields an identical result. The
// authProbe reads the authenticated-session marker from the live DOM;
// passing nil skips the logged-out check.
func ClassifyContent(_ context.Context, html string, site config.SiteConfig, authProbe func(selector string) (browser.Text, error)) (Classification, string) {
	lowered := strings.ToLower(html)

	if marker := firstMarker(lowered, site.Markers.Captcha); marker != "" {
		return ClassCaptcha, marker
	}
	if marker := firstMarker(lowered, site.Markers.Interstitial); marker != "" {
		return ClassInterstitial, marker
	}
	if authProbe != nil && site.AuthMarker != "" {
		if text, err := authProbe(site.AuthMarker); err == nil && !text.Present {
			return ClassLoggedOut, "auth marker absent"
		}
	}
	if marker := firstMarker(lowered, site.Markers.RateLimit); marker != "" {
		return ClassRateLimited, marker
	}
	return ClassOK, ""
}

// DismissInterstitial attempts to click through a blocking consent or
// warning page so the next classification can see the real content.
func (d *Detector) DismissInterstitial(ctx context.Context, slot tabs.Slot) bool {
	site, ok := d.sites[slot.SiteID]
	if !ok {
		return false
	}
	for _, selector := range site.Consent {
		if err := d.driver.Click(ctx, slot.Handle, selector); err == nil {
			d.logger.Debug().Str("filter", slot.FilterID).Str("selector", selector).Msg("interstitial dismissed")
			return true
		}
	}
	return false
}

func firstMarker(lowered string, markers []string) string {
	for _, marker := range markers {
		if marker == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return marker
		}
	}
	return ""
}

// Tracker counts consecutive non-ok classifications per slot and tells
// the orchestrator when to recycle and when to stop retrying.
type Tracker struct {
	recycleAfter  int
	escalateAfter int

	mu    sync.Mutex
	runs  map[string]int
	kinds map[string]Classification
}

// NewTracker builds a tracker with the configured thresholds.
func NewTracker(recycleAfter, escalateAfter int) *Tracker {
	if recycleAfter <= 0 {
		recycleAfter = 2
	}
	if escalateAfter <= 0 {
		escalateAfter = 3
	}
	return &Tracker{
		recycleAfter:  recycleAfter,
		escalateAfter: escalateAfter,
		runs:          make(map[string]int),
		kinds:         make(map[string]Classification),
	}
}

// Observe records a verdict and returns the consecutive non-ok count.
// An ok verdict resets the slot's run.
func (t *Tracker) Observe(v Verdict) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v.Classification == ClassOK {
		delete(t.runs, v.SlotID)
		delete(t.kinds, v.SlotID)
		return 0
	}

	t.runs[v.SlotID]++
	t.kinds[v.SlotID] = v.Classification
	return t.runs[v.SlotID]
}

// ShouldRecycle reports whether the slot crossed the recycle threshold.
func (t *Tracker) ShouldRecycle(slotID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[slotID] >= t.recycleAfter
}

// ShouldEscalate reports whether the slot crossed the escalation bound.
func (t *Tracker) ShouldEscalate(slotID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[slotID] >= t.escalateAfter
}

// Consecutive returns the current non-ok run length for the slot.
func (t *Tracker) Consecutive(slotID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[slotID]
}

// Reset clears the slot's run, typically after a recycle.
func (t *Tracker) Reset(slotID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, slotID)
	delete(t.kinds, slotID)
}

// LastClassification returns the classification of the current run.
func (t *Tracker) LastClassification(slotID string) Classification {
	t.mu.Lock()
	defer t.mu.Unlock()
	if kind, ok := t.kinds[slotID]; ok {
		return kind
	}
	return ClassOK
}
