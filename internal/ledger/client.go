// Package ledger is the boundary to the external append-only ledger mirror.
// The ledger only ever receives fingerprints and amounts, never raw
// grievance or completion payloads.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Receipt is the ledger's acknowledgement of a mirrored operation.
// Simulated receipts carry a deterministic placeholder fingerprint and a
// locally monotonic sequence so degraded mode stays distinguishable.
type Receipt struct {
	TxRef     string `json:"tx_ref"`
	Sequence  int64  `json:"sequence"`
	Simulated bool   `json:"simulated"`
}

// GrievanceRecord commits a fingerprint of a filed grievance.
type GrievanceRecord struct {
	GrievanceID string `json:"grievance_id"`
	CitizenID   string `json:"citizen_id"`
	Fingerprint string `json:"fingerprint"`
}

// BidRecord commits a worker's bid.
type BidRecord struct {
	BidID       string          `json:"bid_id"`
	GrievanceID string          `json:"grievance_id"`
	WorkerID    string          `json:"worker_id"`
	TokenAmount decimal.Decimal `json:"token_amount"`
}

// EscrowRecord locks escrow against an assignment.
type EscrowRecord struct {
	AssignmentID string          `json:"assignment_id"`
	GrievanceID  string          `json:"grievance_id"`
	WorkerID     string          `json:"worker_id"`
	TokenAmount  decimal.Decimal `json:"token_amount"`
}

// CompletionRecord commits the fingerprint of a completion submission.
type CompletionRecord struct {
	AssignmentID string `json:"assignment_id"`
	GrievanceID  string `json:"grievance_id"`
	Fingerprint  string `json:"fingerprint"`
}

// ReleaseRecord confirms completion and releases escrowed funds.
type ReleaseRecord struct {
	AssignmentID string          `json:"assignment_id"`
	GrievanceID  string          `json:"grievance_id"`
	ConfirmedBy  string          `json:"confirmed_by"`
	TokenAmount  decimal.Decimal `json:"token_amount"`
}

// Client exposes the ledger mirror's five operations. Calls may block; they
// are only ever made from the reconciliation dispatcher, off the request
// path.
type Client interface {
	CommitGrievance(ctx context.Context, rec GrievanceRecord) (Receipt, error)
	CommitBid(ctx context.Context, rec BidRecord) (Receipt, error)
	LockEscrow(ctx context.Context, rec EscrowRecord) (Receipt, error)
	CommitCompletion(ctx context.Context, rec CompletionRecord) (Receipt, error)
	ConfirmRelease(ctx context.Context, rec ReleaseRecord) (Receipt, error)
}

// Oracle converts application-native amounts to ledger token units.
type Oracle interface {
	TokenRate(ctx context.Context) (decimal.Decimal, error)
}
