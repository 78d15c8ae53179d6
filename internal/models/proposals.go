package models

import "time"

type ProposalStatus string

const (
	ProposalActive   ProposalStatus = "active"
	ProposalPassed   ProposalStatus = "passed"
	ProposalRejected ProposalStatus = "rejected"
)

type Proposal struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Status       ProposalStatus `json:"status"`
	VotesFor     float64        `json:"votes_for"`
	VotesAgainst float64        `json:"votes_against"`
	EndsAt       time.Time      `json:"ends_at"`
}

type ProposalsResponse = APIResponse[Page[Proposal]]
