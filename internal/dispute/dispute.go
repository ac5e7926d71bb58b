// Package dispute runs the contested-scenario flow: opening a dispute,
// attaching one evidence file, community voting and closing.
//
// Whether a dispute is closed is always computed from the clock, the vote
// count and the stored status. The stored status may lag the other two.
package dispute

import (
	"context"
	"errors"
	"time"
)

const (
	// VotingWindow is how long a dispute accepts votes.
	VotingWindow = 7 * 24 * time.Hour
	// MaxVotes closes a dispute once reached.
	MaxVotes = 101
)

var (
	ErrNotFound             = errors.New("dispute: not found")
	ErrVotingClosed         = errors.New("dispute: voting closed")
	ErrEvidenceAttached     = errors.New("dispute: evidence already attached")
	ErrInvalidChoice        = errors.New("dispute: invalid choice")
	ErrNotParty             = errors.New("dispute: not a party to the dispute")
	ErrProcedureUnavailable = errors.New("dispute: server-side close unavailable")
	ErrWriteConflict        = errors.New("dispute: write conflict")
)

// Status is the stored dispute status. Deployments use more values than
// open and closed; every value other than open that is known here
// counts as closed, and unknown values are kept as-is.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusResolved  Status = "resolved"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s ends voting.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosed, StatusResolved, StatusCancelled:
		return true
	}
	return false
}

// Choice is a side a voter backs. The empty Choice means no winner.
type Choice string

const (
	ChoiceNone     Choice = ""
	ChoiceExecutor Choice = "executor"
	ChoiceCustomer Choice = "customer"
)

// Valid reports whether c is a votable side.
func (c Choice) Valid() bool { return c == ChoiceExecutor || c == ChoiceCustomer }

// Dispute is the canonical dispute row, whichever column naming the
// database uses.
type Dispute struct {
	ID               string     `json:"id"`
	ScenarioID       string     `json:"scenario_id"`
	InitiatorID      string     `json:"initiator_id"`
	RespondentID     string     `json:"respondent_id"`
	Status           Status     `json:"status"`
	EvidenceID       string     `json:"evidence_id,omitempty"`
	EvidenceURL      string     `json:"evidence_url,omitempty"`
	EvidenceCID      string     `json:"evidence_cid,omitempty"`
	Winner           Choice     `json:"winner,omitempty"`
	ResolutionTxHash string     `json:"resolution_tx_hash,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
}

// HasEvidence reports whether an evidence file is attached.
func (d *Dispute) HasEvidence() bool { return d.EvidenceID != "" || d.EvidenceURL != "" }

// Deadline is the end of the voting window.
func (d *Dispute) Deadline() time.Time { return d.CreatedAt.Add(VotingWindow) }

// IsParty reports whether userID is the initiator or the respondent.
func (d *Dispute) IsParty(userID string) bool {
	return userID != "" && (userID == d.InitiatorID || userID == d.RespondentID)
}

// Clone returns a copy.
func (d *Dispute) Clone() *Dispute {
	c := *d
	if d.ClosedAt != nil {
		t := *d.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Tally is the running vote count.
type Tally struct {
	Executor int `json:"executor_votes"`
	Customer int `json:"customer_votes"`
}

// Total is the number of standing votes.
func (t Tally) Total() int { return t.Executor + t.Customer }

// Winner is the majority side; a tie has no winner.
func (t Tally) Winner() Choice {
	switch {
	case t.Executor > t.Customer:
		return ChoiceExecutor
	case t.Customer > t.Executor:
		return ChoiceCustomer
	default:
		return ChoiceNone
	}
}

// Reasons a dispute is closed.
const (
	ClosedByTime   = "time"
	ClosedByVotes  = "votes"
	ClosedByStatus = "status"
)

// ClosedReason returns why d is closed at now, or "" when it is open.
func ClosedReason(d *Dispute, t Tally, now time.Time) string {
	switch {
	case d.Status.Terminal():
		return ClosedByStatus
	case !now.Before(d.Deadline()):
		return ClosedByTime
	case t.Total() >= MaxVotes:
		return ClosedByVotes
	default:
		return ""
	}
}

// IsClosed reports whether any closing condition holds at now.
func IsClosed(d *Dispute, t Tally, now time.Time) bool {
	return ClosedReason(d, t, now) != ""
}

// Vote is one voter's standing choice.
type Vote struct {
	DisputeID string    `json:"dispute_id"`
	VoterID   string    `json:"voter_id"`
	Choice    Choice    `json:"choice"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Evidence is an uploaded file linked to a dispute.
type Evidence struct {
	ID        string    `json:"id"`
	DisputeID string    `json:"dispute_id"`
	AuthorID  string    `json:"author_id"`
	URL       string    `json:"url"`
	ContentID string    `json:"content_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists disputes and votes.
type Store interface {
	// OpenForScenario returns the scenario's open dispute, creating one
	// when none exists. created reports whether a row was inserted.
	OpenForScenario(ctx context.Context, scenarioID, initiatorID, respondentID string) (d *Dispute, created bool, err error)
	Get(ctx context.Context, id string) (*Dispute, error)
	// LatestForScenario returns the newest dispute of the scenario.
	LatestForScenario(ctx context.Context, scenarioID string) (*Dispute, error)
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)

	// AttachEvidence links ev unless evidence is already attached, in
	// which case it returns ErrEvidenceAttached.
	AttachEvidence(ctx context.Context, disputeID string, ev Evidence) (*Dispute, error)

	// UpsertVote writes the voter's choice, replacing a previous one.
	UpsertVote(ctx context.Context, v Vote) error
	// GetVote returns the voter's choice, or nil when they have not voted.
	GetVote(ctx context.Context, disputeID, voterID string) (*Vote, error)
	Tally(ctx context.Context, disputeID string) (Tally, error)

	// Close runs the server-side resolution. Stores without one return
	// ErrProcedureUnavailable.
	Close(ctx context.Context, disputeID string) (*Dispute, error)
	// MarkClosed stores the closed status and winner if the dispute is
	// still open, and returns the stored row either way.
	MarkClosed(ctx context.Context, disputeID string, winner Choice, at time.Time) (*Dispute, error)
	// SetResolutionTx records the on-chain finalize transaction.
	SetResolutionTx(ctx context.Context, disputeID, txHash string) error
}
