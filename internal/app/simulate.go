package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"arb-alerts/internal/dispatch"
	"arb-alerts/internal/extract"
)

// SimulateOptions shape the synthetic alert.
type SimulateOptions struct {
	Site      string
	Filter    string
	ProfitPct float64
}

// SimulateAlert pushes a synthetic alert through routing, rendering and
// delivery, exercising the same code path as a real extraction.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if opts.Site == "" {
		return errors.New("--site is required")
	}
	if _, ok := a.Config.Sites[opts.Site]; !ok {
		return errors.New("unknown site " + opts.Site)
	}

	routes := dispatch.NewRoutes(a.Config.Filters, a.Config.Dispatch.SiteChannels)
	queue := dispatch.NewQueue(routes, a.newNotifier(), nil, a.Config.Dispatch, policyFrom(a.Config.Dispatch.Retry), a.Logger)

	now := time.Now().UTC()
	rec := extract.AlertRecord{
		SourceSite:  opts.Site,
		FilterID:    opts.Filter,
		Sport:       "football",
		Event:       "Test Home vs Test Away",
		Market:      "1x2",
		BookmakerA:  "BookA",
		OddsA:       decimal.NewFromFloat(2.05),
		BookmakerB:  "BookB",
		OddsB:       decimal.NewFromFloat(2.10),
		ProfitPct:   decimal.NewFromFloat(opts.ProfitPct),
		EventStart:  now.Add(2 * time.Hour),
		Link:        "https://example.invalid/simulated",
		ExtractedAt: now,
	}

	delivered, err := queue.Submit(ctx, rec)
	if err != nil {
		return err
	}
	if len(delivered) == 0 {
		return errors.New("no channels routed for the simulated alert; check filter and site_channels config")
	}
	a.Logger.Info().Strs("channels", delivered).Msg("simulated alert dispatched")
	return nil
}
