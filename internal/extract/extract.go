// Package extract turns a rendered filter page into typed alert
// records. Parsing is heuristic: the target sites render arbitrage rows
// as repeated DOM blocks, so the pipeline splits the page into row
// chunks and pulls the odds pairs, profit and event fields out with
// regular expressions. A row the heuristics cannot read is skipped with
// a warning, never a pipeline failure.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arb-alerts/internal/browser"
	"arb-alerts/internal/tabs"
)

// AlertRecord is one extracted arbitrage opportunity.
type AlertRecord struct {
	SourceSite  string
	FilterID    string
	Sport       string
	Event       string
	Market      string
	BookmakerA  string
	OddsA       decimal.Decimal
	BookmakerB  string
	OddsB       decimal.Decimal
	ProfitPct   decimal.Decimal
	EventStart  time.Time
	Link        string
	ExtractedAt time.Time
}

// Fingerprint identifies the underlying opportunity. It hashes the
// identity fields only, so re-extracting the same row later yields the
// same fingerprint. ExtractedAt and EventStart stay out of it: the
// start time is anchored to the extraction date, and hashing it would
// give the same row a new identity after midnight.
func (r AlertRecord) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		r.SourceSite,
		r.FilterID,
		r.Sport,
		r.Event,
		r.Market,
		r.BookmakerA,
		r.OddsA.String(),
		r.BookmakerB,
		r.OddsB.String(),
		r.ProfitPct.String(),
		r.Link,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

var (
	rowSplitRe = regexp.MustCompile(`<(?:div|tr|li)[^>]*class="[^"]*(?:row|card|item|arbitrage)[^"]*"`)
	tagRe      = regexp.MustCompile(`<[^>]+>`)
	spaceRe    = regexp.MustCompile(`\s+`)

	// Bookmaker token followed by decimal odds, e.g. "Pinnacle 2.04".
	// A single token keeps surrounding market text out of the name;
	// multi-word books come through as their last word.
	bookOddsRe = regexp.MustCompile(`\b([A-Za-z][A-Za-z0-9&'-]{1,19})\s+(\d{1,2}\.\d{2,3})\b`)
	// Profit or value percentage, e.g. "3.4%" or "ROI 2.15 %".
	profitRe = regexp.MustCompile(`(\d{1,3}(?:\.\d{1,3})?)\s*%`)
	// Team names are runs of capitalised words around a "vs" separator.
	eventRe  = regexp.MustCompile(`((?:[A-Z][A-Za-z0-9.'-]*)(?:\s+[A-Z][A-Za-z0-9.'-]*){0,3})\s+(?:vs\.?|-)\s+((?:[A-Z][A-Za-z0-9.'-]*)(?:\s+[A-Z][A-Za-z0-9.'-]*){0,3})`)
	linkRe   = regexp.MustCompile(`href="([^"]+)"`)
	timeRe   = regexp.MustCompile(`\b(\d{1,2}:\d{2})\b`)
)

var marketKeywords = []string{"1x2", "total", "handicap", "over", "under", "moneyline", "draw no bet", "btts"}

var sportKeywords = []string{"football", "soccer", "tennis", "basketball", "hockey", "baseball", "volleyball", "esports", "mma", "boxing"}

// Pipeline extracts alert records from a slot's rendered page.
type Pipeline struct {
	driver    browser.Driver
	snapshots *SnapshotWriter
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPipeline constructs the extraction pipeline. snapshots may be nil.
func NewPipeline(driver browser.Driver, snapshots *SnapshotWriter, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		driver:    driver,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "extract").Logger(),
		now:       time.Now,
	}
}

// WithNow overrides the extraction timestamp source. For tests.
func (p *Pipeline) WithNow(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Extract reads the slot's page and parses every recognisable alert
// row, preserving DOM order. Extraction never mutates the page.
func (p *Pipeline) Extract(ctx context.Context, slot tabs.Slot) ([]AlertRecord, error) {
	html, err := p.driver.PageHTML(ctx, slot.Handle)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", slot.FilterID, err)
	}

	if p.snapshots != nil {
		if path, err := p.snapshots.Write(slot.SiteID, slot.FilterID, html); err != nil {
			p.logger.Warn().Str("filter", slot.FilterID).Err(err).Msg("snapshot write failed")
		} else if path != "" {
			p.logger.Debug().Str("filter", slot.FilterID).Str("path", path).Msg("snapshot written")
		}
	}

	records := p.Parse(html, slot.SiteID, slot.FilterID)
	p.logger.Debug().Str("filter", slot.FilterID).Int("alerts", len(records)).Msg("page extracted")
	return records, nil
}

// Parse applies the row heuristics to raw HTML. Exposed separately so
// saved snapshots can be replayed through the same code path.
func (p *Pipeline) Parse(html, siteID, filterID string) []AlertRecord {
	extractedAt := p.now()

	var records []AlertRecord
	for i, chunk := range splitRows(html) {
		rec, err := parseRow(chunk, siteID, filterID, extractedAt)
		if err != nil {
			p.logger.Warn().Str("filter", filterID).Int("row", i).Err(err).Msg("row skipped")
			continue
		}
		records = append(records, rec)
	}
	return records
}

// splitRows chunks the page at each row-like element. The prefix before
// the first row (navigation, headers) is dropped.
func splitRows(html string) []string {
	idx := rowSplitRe.FindAllStringIndex(html, -1)
	if len(idx) == 0 {
		return nil
	}

	chunks := make([]string, 0, len(idx))
	for i, loc := range idx {
		end := len(html)
		if i+1 < len(idx) {
			end = idx[i+1][0]
		}
		chunks = append(chunks, html[loc[0]:end])
	}
	return chunks
}

func parseRow(chunk, siteID, filterID string, extractedAt time.Time) (AlertRecord, error) {
	link := ""
	if m := linkRe.FindStringSubmatch(chunk); m != nil {
		link = m[1]
	}

	text := flatten(chunk)

	pairs := bookOddsRe.FindAllStringSubmatch(text, -1)
	if len(pairs) < 2 {
		return AlertRecord{}, fmt.Errorf("found %d bookmaker-odds pairs, need 2", len(pairs))
	}

	oddsA, err := decimal.NewFromString(pairs[0][2])
	if err != nil {
		return AlertRecord{}, fmt.Errorf("odds A %q: %w", pairs[0][2], err)
	}
	oddsB, err := decimal.NewFromString(pairs[1][2])
	if err != nil {
		return AlertRecord{}, fmt.Errorf("odds B %q: %w", pairs[1][2], err)
	}

	profit := decimal.Zero
	if m := profitRe.FindStringSubmatch(text); m != nil {
		profit, err = decimal.NewFromString(m[1])
		if err != nil {
			return AlertRecord{}, fmt.Errorf("profit %q: %w", m[1], err)
		}
	} else {
		return AlertRecord{}, fmt.Errorf("no profit percentage")
	}

	event := ""
	if m := eventRe.FindStringSubmatch(text); m != nil {
		event = strings.TrimSpace(m[1]) + " vs " + strings.TrimSpace(m[2])
	}

	return AlertRecord{
		SourceSite:  siteID,
		FilterID:    filterID,
		Sport:       firstKeyword(text, sportKeywords),
		Event:       event,
		Market:      firstKeyword(text, marketKeywords),
		BookmakerA:  strings.TrimSpace(pairs[0][1]),
		OddsA:       oddsA,
		BookmakerB:  strings.TrimSpace(pairs[1][1]),
		OddsB:       oddsB,
		ProfitPct:   profit,
		EventStart:  parseEventStart(text, extractedAt),
		Link:        link,
		ExtractedAt: extractedAt,
	}, nil
}

// flatten strips tags and collapses whitespace so the field regexes see
// the row the way a reader would.
func flatten(chunk string) string {
	text := tagRe.ReplaceAllString(chunk, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

func firstKeyword(text string, keywords []string) string {
	lowered := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return kw
		}
	}
	return ""
}

// parseEventStart reads an HH:MM start time if the row carries one,
// anchored to the extraction date. Rows without a time yield zero.
func parseEventStart(text string, ref time.Time) time.Time {
	m := timeRe.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}
	}
	t, err := time.Parse("15:04", m[1])
	if err != nil {
		return time.Time{}
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, ref.Location())
}
