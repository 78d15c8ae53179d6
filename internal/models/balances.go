package models

import "time"

// Balance is the headline balance shown on every dashboard.
type Balance struct {
	Available float64 `json:"available"`
	Frozen    float64 `json:"frozen"`
	Symbol    string  `json:"symbol"`
}

type BalanceResponse = APIResponse[Balance]

// Overview is the backend's aggregate for the portfolio dashboard.
type Overview struct {
	TotalAssets  float64 `json:"total_assets"`
	TotalIncome  float64 `json:"total_income"`
	TodayIncome  float64 `json:"today_income"`
	Withdrawable float64 `json:"withdrawable"`
}

type OverviewResponse = APIResponse[Overview]

// Portfolio merges the overview, the on-chain wallet balance and the
// connection counts. Any part that failed to load is left at its zero value.
type Portfolio struct {
	Address          string    `json:"address"`
	Overview         Overview  `json:"overview"`
	WalletBalance    string    `json:"wallet_balance"`
	TokenConnections int       `json:"token_connections"`
	NFTConnections   int       `json:"nft_connections"`
	NodeConnections  int       `json:"node_connections"`
	Degraded         []string  `json:"degraded,omitempty"`
	FetchedAt        time.Time `json:"fetched_at"`
}

type WithdrawalRequest struct {
	Address string  `json:"address"`
	Amount  float64 `json:"amount"`
	ChainID int64   `json:"chain_id,omitempty"`
}

type WithdrawalResult struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

type WithdrawalResponse = APIResponse[WithdrawalResult]
