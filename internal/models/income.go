package models

import "time"

type IncomeStatus string

const (
	IncomePending IncomeStatus = "pending"
	IncomeSettled IncomeStatus = "settled"
)

// IncomeStatuses lists the buckets income totals are summed over.
var IncomeStatuses = []IncomeStatus{IncomePending, IncomeSettled}

type IncomeRecord struct {
	ID        string       `json:"id"`
	Source    string       `json:"source"`
	Amount    float64      `json:"amount"`
	Status    IncomeStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

type IncomeResponse = APIResponse[Page[IncomeRecord]]

// IncomeTotals holds per-bucket record counts and their sum.
type IncomeTotals struct {
	ByStatus map[IncomeStatus]int `json:"by_status"`
	Total    int                  `json:"total"`
}
