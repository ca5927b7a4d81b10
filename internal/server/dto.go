package server

import (
	"github.com/shopspring/decimal"

	"civimend/internal/domain"
)

type CreateGrievanceRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Category    string `json:"category,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

type UpdateGrievanceRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Location    *string `json:"location,omitempty"`
	Category    *string `json:"category,omitempty"`
	Priority    *string `json:"priority,omitempty"`
}

type ClassifyGrievanceRequest struct {
	Category string   `json:"category,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type CreateBidRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Proposal string          `json:"proposal,omitempty"`
	EtaHours int             `json:"eta_hours"`
	Skills   []string        `json:"skills,omitempty"`
}

type CastVoteRequest struct {
	OptionIndex int `json:"option_index"`
}

type ExecuteWinnerRequest struct {
	BidID string `json:"bid_id"`
}

type ProgressRequest struct {
	Note string `json:"note,omitempty"`
}

type CompletionRequest struct {
	Notes         string   `json:"notes"`
	MediaRefs     []string `json:"media_refs,omitempty"`
	DurationHours int      `json:"duration_hours"`
}

type ConfirmRequest struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
	Rating   int    `json:"rating,omitempty"`
}

type UnassignRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DisputeRequest struct {
	Reason       string   `json:"reason"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
}

type ResolveDisputeRequest struct {
	CitizenPct int `json:"citizen_pct"`
	WorkerPct  int `json:"worker_pct"`
	PoolPct    int `json:"pool_pct"`
}

type UpsertWorkerRequest struct {
	Name       string `json:"name,omitempty"`
	Reputation int    `json:"reputation"`
}

type UpsertDelegateRequest struct {
	Name   string          `json:"name,omitempty"`
	Weight decimal.Decimal `json:"weight"`
	Active bool            `json:"active"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

// pageMeta is the pagination envelope shared by list responses.
type pageMeta struct {
	Page  int `json:"page"`
	Size  int `json:"size"`
	Total int `json:"total"`
}

type paginatedGrievances struct {
	Items []domain.Grievance `json:"items"`
	pageMeta
}

type paginatedBids struct {
	Items []domain.Bid `json:"items"`
	pageMeta
}

type paginatedBallots struct {
	Items []domain.Ballot `json:"items"`
	pageMeta
}

type paginatedAssignments struct {
	Items []domain.Assignment `json:"items"`
	pageMeta
}

type paginatedIntents struct {
	Items []domain.LedgerIntent `json:"items"`
	pageMeta
}

type paginatedWorkers struct {
	Items []domain.Worker `json:"items"`
	pageMeta
}

type paginatedDelegates struct {
	Items []domain.Delegate `json:"items"`
	pageMeta
}

func meta(page, size, total int) pageMeta {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	return pageMeta{Page: page, Size: size, Total: total}
}
