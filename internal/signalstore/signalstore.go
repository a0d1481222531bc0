// Package signalstore reads and writes accepted trade signals, the source of
// truth for the protection every managed position must carry.
package signalstore

import (
	"time"

	"github.com/your-org/position-guard/internal/reconciler"
)

// Signal is one accepted trade signal. The reconciler treats the store as
// read-only; signals are written by the upstream strategy process and by the
// backfill tooling.
type Signal struct {
	ID          string
	Symbol      string
	Side        reconciler.Side
	EntryPrice  string
	StopLoss    string
	TakeProfits []TakeProfitLeg
	AcceptedAt  time.Time
}

// TakeProfitLeg is one take-profit leg of a signal as stored: trigger price
// and the fraction of the position it closes. Stored as strings to keep the
// JSONB representation exact.
type TakeProfitLeg struct {
	Price    string `json:"price"`
	Fraction string `json:"fraction"`
}

// clockSkew absorbs the gap between a signal being accepted and the exchange
// stamping the resulting position open. A position opened marginally before
// its signal's accepted_at (exchange clock ahead of ours) still resolves.
const clockSkew = 5 * time.Second
