package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ObservationRecord is one persisted balance sample.
type ObservationRecord struct {
	PairKey    string
	ObservedAt time.Time
	Balance    decimal.NullDecimal
	Valid      bool
	CreatedAt  time.Time
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID              int64
	PairKey         string
	ObservedAt      time.Time
	PreviousBalance decimal.Decimal
	CurrentBalance  decimal.Decimal
	ChangeFraction  decimal.Decimal
	Threshold       decimal.Decimal
	Direction       string
	Channel         string
	Delivered       bool
	CreatedAt       time.Time
}
