package domain

import "github.com/shopspring/decimal"

// Grievance statuses form a mostly monotonic lifecycle; the only reversal is
// assigned/in_progress -> active via unassignment.
const (
	GrievancePending    = "pending"
	GrievanceClassified = "classified"
	GrievanceActive     = "active"
	GrievanceAssigned   = "assigned"
	GrievanceInProgress = "in_progress"
	GrievanceCompleted  = "completed"
	GrievanceVerified   = "verified"
	GrievanceDisputed   = "disputed"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

type Grievance struct {
	ID           string   `json:"id"`
	CitizenID    string   `json:"citizen_id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Location     string   `json:"location,omitempty"`
	Category     string   `json:"category"`
	Priority     string   `json:"priority" enum:"low,medium,high,urgent"`
	Tags         []string `json:"tags,omitempty"`
	Status       string   `json:"status" enum:"pending,classified,active,assigned,in_progress,completed,verified,disputed"`
	AssignmentID *string  `json:"assignment_id,omitempty"`
	BidCount     int      `json:"bid_count"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

// CanReceiveBids reports whether the grievance accepts new bids.
func (g Grievance) CanReceiveBids() bool {
	return g.Status == GrievanceClassified || g.Status == GrievanceActive
}

// IsAssigned reports whether a non-cancelled assignment binds this grievance.
func (g Grievance) IsAssigned() bool {
	switch g.Status {
	case GrievanceAssigned, GrievanceInProgress, GrievanceCompleted, GrievanceVerified:
		return true
	}
	return false
}

const (
	BidPending   = "pending"
	BidAccepted  = "accepted"
	BidRejected  = "rejected"
	BidWithdrawn = "withdrawn"
)

type Bid struct {
	ID          string          `json:"id"`
	GrievanceID string          `json:"grievance_id"`
	WorkerID    string          `json:"worker_id"`
	Amount      decimal.Decimal `json:"amount"`
	Proposal    string          `json:"proposal,omitempty"`
	EtaHours    int             `json:"eta_hours"`
	Skills      []string        `json:"skills,omitempty"`
	Status      string          `json:"status" enum:"pending,accepted,rejected,withdrawn"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

const (
	AssignmentAssigned   = "assigned"
	AssignmentStarted    = "started"
	AssignmentInProgress = "in_progress"
	AssignmentCompleted  = "completed"
	AssignmentVerified   = "verified"
	AssignmentDisputed   = "disputed"
	AssignmentCancelled  = "cancelled"
)

// Completion is the worker-submitted structured completion record. Its
// fingerprint is committed to the ledger; the raw record never leaves the
// local store.
type Completion struct {
	Notes         string   `json:"notes"`
	MediaRefs     []string `json:"media_refs,omitempty"`
	DurationHours int      `json:"duration_hours"`
	Fingerprint   string   `json:"fingerprint"`
	SubmittedAt   string   `json:"submitted_at" format:"date-time"`
}

type Confirmation struct {
	Approved    bool   `json:"approved"`
	ConfirmedBy string `json:"confirmed_by"`
	Feedback    string `json:"feedback,omitempty"`
	Rating      int    `json:"rating,omitempty"`
	ConfirmedAt string `json:"confirmed_at" format:"date-time"`
}

// Dispute records a raised dispute and, once resolved, a three-way
// compensation split. The split is bookkeeping only; no fund movement is
// executed from it.
type Dispute struct {
	RaisedBy     string   `json:"raised_by"`
	Reason       string   `json:"reason"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
	RaisedAt     string   `json:"raised_at" format:"date-time"`
	Resolved     bool     `json:"resolved"`
	ResolvedBy   string   `json:"resolved_by,omitempty"`
	CitizenPct   int      `json:"citizen_pct,omitempty"`
	WorkerPct    int      `json:"worker_pct,omitempty"`
	PoolPct      int      `json:"pool_pct,omitempty"`
	ResolvedAt   string   `json:"resolved_at,omitempty" format:"date-time"`
}

type Assignment struct {
	ID                   string          `json:"id"`
	GrievanceID          string          `json:"grievance_id"`
	BidID                string          `json:"bid_id"`
	WorkerID             string          `json:"worker_id"`
	CitizenID            string          `json:"citizen_id"`
	Escrow               decimal.Decimal `json:"escrow"`
	Status               string          `json:"status" enum:"assigned,started,in_progress,completed,verified,disputed,cancelled"`
	AssignedAt           string          `json:"assigned_at" format:"date-time"`
	StartedAt            *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt          *string         `json:"completed_at,omitempty" format:"date-time"`
	VerifiedAt           *string         `json:"verified_at,omitempty" format:"date-time"`
	EstimatedCompletion  string          `json:"estimated_completion" format:"date-time"`
	Completion           *Completion     `json:"completion,omitempty"`
	CitizenConfirmation  *Confirmation   `json:"citizen_confirmation,omitempty"`
	DelegateConfirmation *Confirmation   `json:"delegate_confirmation,omitempty"`
	FundsReleased        bool            `json:"funds_released"`
	Dispute              *Dispute        `json:"dispute,omitempty"`
}

const (
	BallotDraft     = "draft"
	BallotActive    = "active"
	BallotCompleted = "completed"
	BallotExpired   = "expired"
	BallotCancelled = "cancelled"
)

type BallotOption struct {
	Index    int     `json:"index"`
	BidID    string  `json:"bid_id"`
	WorkerID string  `json:"worker_id"`
	Label    string  `json:"label"`
	Score    float64 `json:"score"`
}

type Vote struct {
	VoterID     string          `json:"voter_id"`
	OptionIndex int             `json:"option_index"`
	Weight      decimal.Decimal `json:"weight"`
	CastAt      string          `json:"cast_at" format:"date-time"`
}

type OptionTally struct {
	Index       int             `json:"index"`
	VoteCount   int             `json:"vote_count"`
	VotingPower decimal.Decimal `json:"voting_power"`
}

type BallotResults struct {
	Options       []OptionTally `json:"options"`
	TotalCast     int           `json:"total_cast"`
	QuorumNeeded  int           `json:"quorum_needed"`
	QuorumReached bool          `json:"quorum_reached"`
	WinnerIndex   *int          `json:"winner_index,omitempty"`
}

type Ballot struct {
	ID            string         `json:"id"`
	GrievanceID   string         `json:"grievance_id"`
	Title         string         `json:"title"`
	CreatedBy     string         `json:"created_by"`
	Status        string         `json:"status" enum:"draft,active,completed,expired,cancelled"`
	Options       []BallotOption `json:"options"`
	Votes         []Vote         `json:"votes"`
	AllowChange   bool           `json:"allow_change"`
	QuorumPercent int            `json:"quorum_percent"`
	StartsAt      string         `json:"starts_at" format:"date-time"`
	EndsAt        string         `json:"ends_at" format:"date-time"`
	Results       BallotResults  `json:"results"`
	Executed      bool           `json:"executed"`
	AssignmentID  *string        `json:"assignment_id,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

// Terminal reports whether the ballot can never change again.
func (b Ballot) Terminal() bool {
	switch b.Status {
	case BallotCompleted, BallotExpired, BallotCancelled:
		return true
	}
	return false
}

// Ledger operation kinds, one per ledger mirror call.
const (
	OpCommitGrievance  = "grievance.commit"
	OpCommitBid        = "bid.commit"
	OpLockEscrow       = "escrow.lock"
	OpCommitCompletion = "completion.commit"
	OpConfirmRelease   = "funds.release"
)

const (
	IntentPending    = "pending"
	IntentProcessing = "processing"
	IntentCompleted  = "completed"
	IntentFailed     = "failed"
)

// LedgerIntent is the local outbox record mirroring intent vs outcome for a
// ledger operation. It is appended in the same transaction as the
// authoritative mutation and never deleted.
type LedgerIntent struct {
	ID          string          `json:"id"`
	Operation   string          `json:"operation" enum:"grievance.commit,bid.commit,escrow.lock,completion.commit,funds.release"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id"`
	GrievanceID string          `json:"grievance_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
	TokenAmount decimal.Decimal `json:"token_amount"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Status      string          `json:"status" enum:"pending,processing,completed,failed"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Simulated   bool            `json:"simulated"`
	TxRef       string          `json:"tx_ref,omitempty"`
	Sequence    int64           `json:"sequence,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	ProcessedAt *string         `json:"processed_at,omitempty" format:"date-time"`
}

type Worker struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Reputation    int    `json:"reputation"`
	JobsCompleted int    `json:"jobs_completed"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Delegate struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Weight    decimal.Decimal `json:"weight"`
	Active    bool            `json:"active"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	GrievanceID string `json:"grievance_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
