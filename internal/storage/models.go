package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// DispatchRecord marks one fingerprint as delivered to one channel.
// The dedup table: its presence within the suppression window blocks a
// re-send of the same opportunity.
type DispatchRecord struct {
	Fingerprint string
	ChannelID   string
	SentAt      time.Time
}

// AlertLogRecord captures an extracted alert for auditing and export.
type AlertLogRecord struct {
	ID          int64
	Fingerprint string
	SourceSite  string
	FilterID    string
	Sport       string
	Event       string
	Market      string
	ProfitPct   decimal.Decimal
	Channels    []string
	CreatedAt   time.Time
}
