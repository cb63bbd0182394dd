// Package dispatch routes extracted alerts to their channels exactly
// once per suppression window. Dedup keys on the alert fingerprint per
// channel: an opportunity already delivered to a channel is silently
// suppressed there while still reaching channels that have not seen it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arb-alerts/internal/alerting"
	"arb-alerts/internal/config"
	"arb-alerts/internal/extract"
	"arb-alerts/internal/retry"
	"arb-alerts/internal/storage"
)

// Routes resolves which channels an alert goes to: the filter's own
// channel list when configured, otherwise the site-level fallback.
type Routes struct {
	filterChannels map[string][]string
	siteChannels   map[string][]string
}

// NewRoutes builds the routing table from filter and site config.
func NewRoutes(filters []config.FilterConfig, siteChannels map[string][]string) Routes {
	byFilter := make(map[string][]string, len(filters))
	for _, f := range filters {
		if len(f.Channels) > 0 {
			byFilter[f.ID] = f.Channels
		}
	}
	return Routes{filterChannels: byFilter, siteChannels: siteChannels}
}

// ChannelsFor returns the alert's target channels in configured order.
func (r Routes) ChannelsFor(filterID, siteID string) []string {
	if channels, ok := r.filterChannels[filterID]; ok {
		return channels
	}
	return r.siteChannels[siteID]
}

// DeliveryError reports a single channel that exhausted its retries.
type DeliveryError struct {
	ChannelID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("dispatch to %s: %v", e.ChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Queue is the delivery front: fingerprint dedup, channel routing, and
// bounded retries per channel. A failed channel never blocks the rest
// of the queue.
type Queue struct {
	routes   Routes
	notifier alerting.Notifier
	store    storage.DispatchStore
	window   time.Duration
	policy   retry.Policy
	logger   zerolog.Logger

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewQueue constructs the dispatch queue. store may be nil; dedup then
// lives in memory only and resets on restart.
func NewQueue(routes Routes, notifier alerting.Notifier, store storage.DispatchStore, cfg config.DispatchConfig, policy retry.Policy, logger zerolog.Logger) *Queue {
	return &Queue{
		routes:   routes,
		notifier: notifier,
		store:    store,
		window:   cfg.SuppressionWindow,
		policy:   policy,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		sent:     make(map[string]time.Time),
	}
}

// Submit routes one alert. It returns the channels that actually
// received a message and, when channels failed, their errors joined.
// Suppressed channels are not errors.
func (q *Queue) Submit(ctx context.Context, rec extract.AlertRecord) ([]string, error) {
	fingerprint := rec.Fingerprint()
	channels := q.routes.ChannelsFor(rec.FilterID, rec.SourceSite)
	if len(channels) == 0 {
		q.logger.Debug().Str("filter", rec.FilterID).Msg("no channels routed, alert dropped")
		return nil, nil
	}

	text := alerting.RenderAlert(rec)
	now := q.policy.Clock().Now()

	var delivered []string
	var errs []error
	for _, channel := range channels {
		suppressed, err := q.suppressed(ctx, fingerprint, channel, now)
		if err != nil {
			q.logger.Warn().Str("channel", channel).Err(err).Msg("dedup lookup failed, sending anyway")
		}
		if suppressed {
			q.logger.Debug().Str("channel", channel).Str("fingerprint", fingerprint).Msg("suppressed duplicate")
			continue
		}

		sendErr := q.policy.Do(ctx, func(ctx context.Context) error {
			return q.notifier.Send(ctx, channel, text)
		})
		if sendErr != nil {
			q.logger.Error().Str("channel", channel).Err(sendErr).Msg("alert delivery failed")
			errs = append(errs, &DeliveryError{ChannelID: channel, Err: sendErr})
			continue
		}

		q.markSent(ctx, fingerprint, channel, q.policy.Clock().Now())
		delivered = append(delivered, channel)
	}

	return delivered, errors.Join(errs...)
}

// Suppressed reports whether the fingerprint is currently blocked for
// the channel. Exposed for the simulate command.
func (q *Queue) Suppressed(ctx context.Context, fingerprint, channel string) bool {
	blocked, _ := q.suppressed(ctx, fingerprint, channel, q.policy.Clock().Now())
	return blocked
}

func (q *Queue) suppressed(ctx context.Context, fingerprint, channel string, now time.Time) (bool, error) {
	key := fingerprint + "|" + channel

	q.mu.Lock()
	sentAt, ok := q.sent[key]
	q.mu.Unlock()
	if ok && q.withinWindow(sentAt, now) {
		return true, nil
	}

	if q.store == nil {
		return false, nil
	}
	sentAt, found, err := q.store.LastDispatch(ctx, fingerprint, channel)
	if err != nil {
		return false, err
	}
	return found && q.withinWindow(sentAt, now), nil
}

// withinWindow treats a zero window as "forever": once sent, always
// suppressed for the retention of the record.
func (q *Queue) withinWindow(sentAt, now time.Time) bool {
	if q.window <= 0 {
		return true
	}
	return now.Sub(sentAt) < q.window
}

func (q *Queue) markSent(ctx context.Context, fingerprint, channel string, at time.Time) {
	q.mu.Lock()
	q.sent[fingerprint+"|"+channel] = at
	q.mu.Unlock()

	if q.store == nil {
		return
	}
	rec := storage.DispatchRecord{Fingerprint: fingerprint, ChannelID: channel, SentAt: at}
	if err := q.store.RecordDispatch(ctx, rec); err != nil {
		q.logger.Warn().Str("channel", channel).Err(err).Msg("persist dispatch record failed")
	}
}
