package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"civimend/internal/domain"
)

func TestEscalate(t *testing.T) {
	cases := []struct {
		pending  int
		priority string
		want     EscalationDecision
	}{
		{0, domain.PriorityMedium, EscalationWait},
		{0, domain.PriorityUrgent, EscalationWait},
		{1, domain.PriorityUrgent, EscalationAutoAssign},
		{1, domain.PriorityHigh, EscalationOpenBallot},
		{1, domain.PriorityMedium, EscalationWait},
		{2, domain.PriorityLow, EscalationWait},
		{2, domain.PriorityUrgent, EscalationOpenBallot},
		{3, domain.PriorityLow, EscalationOpenBallot},
		{5, domain.PriorityMedium, EscalationOpenBallot},
	}
	for _, c := range cases {
		got := Escalate(c.pending, c.priority, 3)
		if got != c.want {
			t.Errorf("Escalate(%d, %s, 3) = %v, want %v", c.pending, c.priority, got, c.want)
		}
	}
}

func TestScoreBid(t *testing.T) {
	ceiling := decimal.NewFromInt(1000)

	// a free instant bid from a perfect worker scores 1.0
	if got := ScoreBid(decimal.Zero, ceiling, 100, 0, 100); got != 1.0 {
		t.Fatalf("best case = %v, want 1.0", got)
	}
	// at-ceiling, zero-reputation, at-max-eta bid scores 0
	if got := ScoreBid(ceiling, ceiling, 0, 100, 100); got != 0 {
		t.Fatalf("worst case = %v, want 0", got)
	}
	// over-ceiling and over-eta components clamp at zero instead of going
	// negative
	if got := ScoreBid(decimal.NewFromInt(2000), ceiling, 0, 200, 100); got != 0 {
		t.Fatalf("clamped case = %v, want 0", got)
	}
	// reputation above 100 caps at 1
	capped := ScoreBid(ceiling, ceiling, 150, 100, 100)
	if capped != 0.4 {
		t.Fatalf("capped reputation = %v, want 0.4", capped)
	}
	// cheaper beats pricier, all else equal
	cheap := ScoreBid(decimal.NewFromInt(100), ceiling, 50, 10, 100)
	pricey := ScoreBid(decimal.NewFromInt(900), ceiling, 50, 10, 100)
	if cheap <= pricey {
		t.Fatalf("cheap=%v should beat pricey=%v", cheap, pricey)
	}
}

func ballotOptions(n int) []domain.BallotOption {
	opts := make([]domain.BallotOption, n)
	for i := range opts {
		opts[i] = domain.BallotOption{Index: i}
	}
	return opts
}

func vote(voter string, option int, weight int64) domain.Vote {
	return domain.Vote{VoterID: voter, OptionIndex: option, Weight: decimal.NewFromInt(weight)}
}

func TestComputeResultsQuorum(t *testing.T) {
	opts := ballotOptions(2)

	// 51% of 3 active delegates needs 2 ballots cast
	res := computeResults(opts, []domain.Vote{vote("d1", 0, 1)}, 3, 51)
	if res.QuorumNeeded != 2 || res.QuorumReached {
		t.Fatalf("one of three: %+v", res)
	}
	res = computeResults(opts, []domain.Vote{vote("d1", 0, 1), vote("d2", 1, 1)}, 3, 51)
	if !res.QuorumReached {
		t.Fatalf("two of three should reach quorum: %+v", res)
	}
	// quorum counts ballots, not weight
	res = computeResults(opts, []domain.Vote{vote("d1", 0, 100)}, 3, 51)
	if res.QuorumReached {
		t.Fatalf("a single heavy vote must not reach quorum: %+v", res)
	}
}

func TestComputeResultsWinner(t *testing.T) {
	opts := ballotOptions(3)

	// weight decides the winner
	res := computeResults(opts, []domain.Vote{
		vote("d1", 0, 1), vote("d2", 2, 5),
	}, 2, 51)
	if res.WinnerIndex == nil || *res.WinnerIndex != 2 {
		t.Fatalf("expected option 2 winner, got %+v", res.WinnerIndex)
	}

	// ties break toward the lowest option index
	res = computeResults(opts, []domain.Vote{
		vote("d1", 2, 3), vote("d2", 1, 3),
	}, 2, 51)
	if res.WinnerIndex == nil || *res.WinnerIndex != 1 {
		t.Fatalf("expected tie to break to option 1, got %+v", res.WinnerIndex)
	}

	// no votes, no winner
	res = computeResults(opts, nil, 2, 51)
	if res.WinnerIndex != nil {
		t.Fatalf("expected no winner without votes")
	}

	// out-of-range option indexes are ignored, not counted
	res = computeResults(opts, []domain.Vote{vote("d1", 9, 1)}, 1, 51)
	if res.WinnerIndex != nil {
		t.Fatalf("out-of-range vote must not produce a winner")
	}
}
