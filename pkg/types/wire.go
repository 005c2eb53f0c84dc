package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// FillNotice reports an execution on the broker stream socket.
type FillNotice struct {
	Ticket int64           `json:"ticket"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Ts     time.Time       `json:"ts"`
}
