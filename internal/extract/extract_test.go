package extract

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const sampleRow = `<div class="arb-row">
  <a href="https://example.com/arb/777">open</a>
  <span>Alpha FC vs Beta FC</span> <span>18:30</span>
  <span>Football</span> <span>1X2</span>
  <span>Pinnacle 2.04</span> <span>Bet365 2.10</span>
  <b>3.40%</b>
</div>`

const secondRow = `<div class="arb-row">
  <a href="https://example.com/arb/778">open</a>
  <span>Gamma United vs Delta Town</span> <span>20:00</span>
  <span>Tennis</span> <span>Total</span>
  <span>Unibet 1.95</span> <span>Betfair 2.20</span>
  <b>2.15%</b>
</div>`

func newTestPipeline(now time.Time) *Pipeline {
	p := NewPipeline(nil, nil, zerolog.Nop())
	return p.WithNow(func() time.Time { return now })
}

func TestParseExtractsRowsInOrder(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	page := "<html><body><nav>menu</nav>" + sampleRow + secondRow + "</body></html>"

	records := newTestPipeline(now).Parse(page, "betburger", "prematch-top")
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	first := records[0]
	if first.SourceSite != "betburger" || first.FilterID != "prematch-top" {
		t.Fatalf("wrong identity fields: %+v", first)
	}
	if first.Event != "Alpha FC vs Beta FC" {
		t.Fatalf("wrong event: %q", first.Event)
	}
	if first.Sport != "football" || first.Market != "1x2" {
		t.Fatalf("wrong sport/market: %q %q", first.Sport, first.Market)
	}
	if first.BookmakerA != "Pinnacle" || !first.OddsA.Equal(decimal.RequireFromString("2.04")) {
		t.Fatalf("wrong side A: %s %s", first.BookmakerA, first.OddsA)
	}
	if first.BookmakerB != "Bet365" || !first.OddsB.Equal(decimal.RequireFromString("2.10")) {
		t.Fatalf("wrong side B: %s %s", first.BookmakerB, first.OddsB)
	}
	if !first.ProfitPct.Equal(decimal.RequireFromString("3.40")) {
		t.Fatalf("wrong profit: %s", first.ProfitPct)
	}
	if first.Link != "https://example.com/arb/777" {
		t.Fatalf("wrong link: %q", first.Link)
	}
	if first.EventStart.Hour() != 18 || first.EventStart.Minute() != 30 {
		t.Fatalf("wrong event start: %s", first.EventStart)
	}
	if !first.ExtractedAt.Equal(now) {
		t.Fatalf("wrong extraction time: %s", first.ExtractedAt)
	}

	if records[1].Event != "Gamma United vs Delta Town" {
		t.Fatalf("second row out of order: %q", records[1].Event)
	}
}

func TestParseSkipsMalformedRows(t *testing.T) {
	malformed := `<div class="arb-row"><span>Pinnacle 2.04</span><b>3.40%</b></div>`
	noProfit := `<div class="arb-row"><span>Alpha vs Beta</span><span>Pinnacle 2.04</span><span>Bet365 2.10</span></div>`
	page := malformed + sampleRow + noProfit

	records := newTestPipeline(time.Now()).Parse(page, "betburger", "f1")
	if len(records) != 1 {
		t.Fatalf("expected only the valid row, got %d records", len(records))
	}
	if records[0].Event != "Alpha FC vs Beta FC" {
		t.Fatalf("wrong surviving row: %+v", records[0])
	}
}

func TestParseNoRows(t *testing.T) {
	records := newTestPipeline(time.Now()).Parse("<html><body>nothing here</body></html>", "s", "f")
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestFingerprintIgnoresExtractionTime(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	page := "<html>" + sampleRow + "</html>"

	a := newTestPipeline(now).Parse(page, "betburger", "f1")
	b := newTestPipeline(now.Add(time.Hour)).Parse(page, "betburger", "f1")
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected one record each, got %d and %d", len(a), len(b))
	}
	if a[0].Fingerprint() != b[0].Fingerprint() {
		t.Fatal("fingerprint should not depend on extraction time")
	}
}

func TestFingerprintSurvivesMidnight(t *testing.T) {
	// The event start is anchored to the extraction date, so the same
	// row parsed on the next day must still be the same opportunity.
	page := "<html>" + sampleRow + "</html>"
	day1 := time.Date(2026, 8, 23, 23, 50, 0, 0, time.UTC)
	day2 := day1.Add(20 * time.Minute)

	a := newTestPipeline(day1).Parse(page, "betburger", "f1")
	b := newTestPipeline(day2).Parse(page, "betburger", "f1")
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected one record each, got %d and %d", len(a), len(b))
	}
	if !a[0].EventStart.Equal(b[0].EventStart.AddDate(0, 0, -1)) {
		t.Fatalf("event starts should be anchored a day apart: %s vs %s", a[0].EventStart, b[0].EventStart)
	}
	if a[0].Fingerprint() != b[0].Fingerprint() {
		t.Fatal("fingerprint must not change across the date boundary")
	}
}

func TestFingerprintChangesWithOdds(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	moved := `<div class="arb-row">
  <a href="https://example.com/arb/777">open</a>
  <span>Alpha FC vs Beta FC</span> <span>18:30</span>
  <span>Football</span> <span>1X2</span>
  <span>Pinnacle 2.08</span> <span>Bet365 2.10</span>
  <b>3.40%</b>
</div>`

	a := newTestPipeline(now).Parse(sampleRow, "betburger", "f1")
	b := newTestPipeline(now).Parse(moved, "betburger", "f1")
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected one record each, got %d and %d", len(a), len(b))
	}
	if a[0].Fingerprint() == b[0].Fingerprint() {
		t.Fatal("moved odds should change the fingerprint")
	}
}
