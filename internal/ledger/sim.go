package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
)

// SimClient is the degraded-mode ledger: it acknowledges every operation
// with a deterministic placeholder fingerprint and a monotonic local
// sequence. Receipts are always flagged Simulated so they can never be
// mistaken for real ledger commitments.
type SimClient struct {
	seq atomic.Int64
}

func NewSimClient() *SimClient {
	return &SimClient{}
}

func (c *SimClient) receipt(kind, id string) (Receipt, error) {
	seq := c.seq.Add(1)
	ref, err := Fingerprint(map[string]string{"sim": kind, "id": id})
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		TxRef:     fmt.Sprintf("sim-%s-%s", kind, ref[:16]),
		Sequence:  seq,
		Simulated: true,
	}, nil
}

func (c *SimClient) CommitGrievance(ctx context.Context, rec GrievanceRecord) (Receipt, error) {
	return c.receipt("grievance", rec.GrievanceID)
}

func (c *SimClient) CommitBid(ctx context.Context, rec BidRecord) (Receipt, error) {
	return c.receipt("bid", rec.BidID)
}

func (c *SimClient) LockEscrow(ctx context.Context, rec EscrowRecord) (Receipt, error) {
	return c.receipt("escrow", rec.AssignmentID)
}

func (c *SimClient) CommitCompletion(ctx context.Context, rec CompletionRecord) (Receipt, error) {
	return c.receipt("completion", rec.AssignmentID)
}

func (c *SimClient) ConfirmRelease(ctx context.Context, rec ReleaseRecord) (Receipt, error) {
	return c.receipt("release", rec.AssignmentID)
}
