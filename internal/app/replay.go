package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"arb-alerts/internal/dispatch"
	"arb-alerts/internal/extract"
	"arb-alerts/internal/storage"
)

// ReplayOptions configure parsing a saved page snapshot.
type ReplayOptions struct {
	SnapshotPath string
	Site         string
	Filter       string
	// Send pushes the parsed alerts through the real dispatch queue
	// instead of only printing them.
	Send bool
}

// Replay parses a raw HTML snapshot through the extraction pipeline.
// The main tool for diagnosing parser misses against pages the sites
// actually served.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	html, err := os.ReadFile(opts.SnapshotPath)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	site, filter := opts.Site, opts.Filter
	if site == "" || filter == "" {
		guessedSite, guessedFilter := splitSnapshotName(opts.SnapshotPath)
		if site == "" {
			site = guessedSite
		}
		if filter == "" {
			filter = guessedFilter
		}
	}
	if site == "" || filter == "" {
		return fmt.Errorf("cannot derive site and filter from %q; pass --site and --filter", opts.SnapshotPath)
	}

	pipeline := extract.NewPipeline(nil, nil, a.Logger)
	records := pipeline.Parse(string(html), site, filter)
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts parsed from snapshot")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Profit%\tSport\tMarket\tEvent\tBook A\tOdds A\tBook B\tOdds B\tFingerprint")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ProfitPct.StringFixed(2),
			rec.Sport,
			rec.Market,
			sanitizeInline(rec.Event),
			rec.BookmakerA,
			rec.OddsA.StringFixed(2),
			rec.BookmakerB,
			rec.OddsB.StringFixed(2),
			rec.Fingerprint()[:12],
		)
	}
	writer.Flush()

	if !opts.Send {
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	var dispatchStore storage.DispatchStore
	if store != nil {
		dispatchStore = store
	}

	routes := dispatch.NewRoutes(a.Config.Filters, a.Config.Dispatch.SiteChannels)
	queue := dispatch.NewQueue(routes, a.newNotifier(), dispatchStore, a.Config.Dispatch, policyFrom(a.Config.Dispatch.Retry), a.Logger)

	for _, rec := range records {
		delivered, err := queue.Submit(ctx, rec)
		if err != nil {
			a.Logger.Error().Err(err).Msg("replay dispatch incomplete")
		}
		a.Logger.Info().Int("channels", len(delivered)).Str("event", rec.Event).Msg("replayed alert")
	}
	return nil
}

// splitSnapshotName recovers site and filter ids from the writer's
// "site_filter_timestamp.html" naming.
func splitSnapshotName(path string) (string, string) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:len(parts)-1], "_")
}
