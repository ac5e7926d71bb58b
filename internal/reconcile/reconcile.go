// Package reconcile projects a scenario row, an optional on-chain deal
// snapshot and local drafts into one view: the lifecycle stage, the
// actions the viewer may take, and any disagreement between the sources.
//
// Project is pure. Callers recompute the view whenever any input changes
// instead of patching a previous view.
package reconcile

import (
	"strings"
	"time"

	"github.com/bmbapp/bmb/internal/escrow"
	"github.com/bmbapp/bmb/internal/scenario"
)

// Stage is the lifecycle position. Each stage implies the ones before it.
type Stage int

const (
	StageCreated Stage = iota
	StageAgreed
	StageLocked
	StageExecutorCompleted
	StageCustomerCompleted
	StageConfirmed
)

var stageNames = [...]string{
	"created",
	"agreed",
	"locked",
	"executor_completed",
	"customer_completed",
	"confirmed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// MarshalText renders the stage name in JSON.
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Role is the viewer's relation to the scenario.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleExecutor Role = "executor"
	RoleObserver Role = "observer"
)

// Action is a user-triggered lifecycle step.
type Action string

const (
	ActionEdit             Action = "edit"
	ActionAgree            Action = "agree"
	ActionLockFunds        Action = "lock_funds"
	ActionConfirm          Action = "confirm_completion"
	ActionCustomerComplete Action = "mark_customer_completed"
	ActionOpenDispute      Action = "open_dispute"
)

// Actions lists every action in display order.
var Actions = []Action{
	ActionEdit,
	ActionAgree,
	ActionLockFunds,
	ActionConfirm,
	ActionCustomerComplete,
	ActionOpenDispute,
}

// Reasons an action is refused.
const (
	ReasonNotParty         = "not_a_party"
	ReasonWrongRole        = "wrong_role"
	ReasonConfirmed        = "scenario_confirmed"
	ReasonLocked           = "funds_locked"
	ReasonAlreadyAgreed    = "already_agreed"
	ReasonNotAgreed        = "not_agreed_by_both"
	ReasonNotLocked        = "funds_not_locked"
	ReasonTooEarly         = "before_scheduled_time"
	ReasonAlreadyCompleted = "already_completed"
	ReasonDealNotLocked    = "deal_not_locked"
	ReasonAddressMismatch  = "address_mismatch"
	ReasonNoExecutorWallet = "executor_wallet_missing"
	ReasonDealExists       = "deal_exists"
)

// Decision is whether one action is legal now, and why not.
type Decision struct {
	Action  Action `json:"action"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Inconsistency codes.
const (
	InconsistentLockedNoDeal        = "locked_but_deal_not_locked"
	InconsistentConfirmedNotSettled = "confirmed_but_deal_not_completed"
	InconsistentExecutorMismatch    = "deal_executor_differs_from_profile"
	InconsistentDealRefunded        = "deal_refunded"
	InconsistentDealUnknownStatus   = "deal_status_unknown"
	InconsistentCompletedNotLocked  = "completed_without_lock"
	InconsistentAgreedLabel         = "agreed_label_without_flags"
	InconsistentDealNotRecorded     = "deal_locked_not_recorded"
	InconsistentCompletedNotConfirm = "deal_completed_not_confirmed"
)

// Inconsistency is a disagreement between the store and the chain that
// is surfaced instead of silently trusted.
type Inconsistency struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Input is everything a projection depends on.
type Input struct {
	Scenario *scenario.Scenario
	// Deal is the last on-chain snapshot, nil when not fetched.
	Deal *escrow.Deal
	// ExecutorWallet is the executor's profile wallet, "" when unknown.
	ExecutorWallet string
	// ConnectedWallet is the viewer's connected address, "" when none.
	ConnectedWallet string
	Viewer          string
	Drafts          map[Field]string
	Now             time.Time
	Location        *time.Location
}

// Terms are the display values of the editable fields.
type Terms struct {
	Description    string  `json:"description"`
	DonationAmount string  `json:"donation_amount_usdt"`
	Drafted        []Field `json:"drafted,omitempty"`
}

// View is the reconciled state of one scenario for one viewer.
type View struct {
	ScenarioID      string          `json:"scenario_id"`
	Stage           Stage           `json:"stage"`
	Disputed        bool            `json:"disputed"`
	Role            Role            `json:"role"`
	Status          scenario.Status `json:"status"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	DealStatus      string          `json:"deal_status,omitempty"`
	EscrowTxHash    string          `json:"escrow_tx_hash,omitempty"`
	Terms           Terms           `json:"terms"`
	Actions         []Decision      `json:"actions"`
	Inconsistencies []Inconsistency `json:"inconsistencies,omitempty"`
}

// Decision returns the decision for a.
func (v *View) Decision(a Action) Decision {
	for _, d := range v.Actions {
		if d.Action == a {
			return d
		}
	}
	return Decision{Action: a, Reason: ReasonNotParty}
}

// Can reports whether a is legal.
func (v *View) Can(a Action) bool { return v.Decision(a).Allowed }

// Project computes the view.
func Project(in Input) View {
	s := in.Scenario
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	v := View{
		ScenarioID:   s.ID,
		Role:         roleOf(s, in.Viewer),
		Status:       s.Status,
		Disputed:     s.Status == scenario.StatusDisputed,
		EscrowTxHash: s.EscrowTxHash,
		Stage:        stageOf(s),
		Terms:        displayTerms(s, in.Drafts),
	}
	if at, err := s.ScheduledAt(in.Location); err == nil {
		v.ScheduledAt = &at
	}
	if in.Deal != nil {
		v.DealStatus = in.Deal.DealStatus().String()
	}
	v.Inconsistencies = inconsistencies(s, in.Deal, in.ExecutorWallet)

	g := gate{in: in, s: s, view: &v, now: now}
	for _, a := range Actions {
		v.Actions = append(v.Actions, g.decide(a))
	}
	return v
}

// Stage derives the stage from a scenario row alone.
func StageOf(s *scenario.Scenario) Stage { return stageOf(s) }

func stageOf(s *scenario.Scenario) Stage {
	switch {
	case s.Status == scenario.StatusConfirmed:
		return StageConfirmed
	case s.Locked() && s.CompletedByCustomer:
		return StageCustomerCompleted
	case s.Locked() && s.CompletedByExecutor:
		return StageExecutorCompleted
	case s.Locked():
		return StageLocked
	case s.BothAgreed() || s.Status == scenario.StatusAgreed:
		return StageAgreed
	default:
		return StageCreated
	}
}

func roleOf(s *scenario.Scenario, viewer string) Role {
	switch p, ok := s.PartyOf(viewer); {
	case !ok:
		return RoleObserver
	case p == scenario.PartyExecutor:
		return RoleExecutor
	default:
		return RoleCustomer
	}
}

func displayTerms(s *scenario.Scenario, drafts map[Field]string) Terms {
	t := Terms{Description: s.Description, DonationAmount: s.DonationAmount}
	if d, ok := drafts[FieldDescription]; ok {
		t.Description = d
		t.Drafted = append(t.Drafted, FieldDescription)
	}
	if d, ok := drafts[FieldAmount]; ok {
		t.DonationAmount = d
		t.Drafted = append(t.Drafted, FieldAmount)
	}
	return t
}

func inconsistencies(s *scenario.Scenario, deal *escrow.Deal, executorWallet string) []Inconsistency {
	var out []Inconsistency
	add := func(code, msg string) { out = append(out, Inconsistency{Code: code, Message: msg}) }

	if s.Status == scenario.StatusAgreed && !s.BothAgreed() {
		add(InconsistentAgreedLabel, "status says agreed but an agreement flag is unset")
	}
	if !s.Locked() && (s.CompletedByExecutor || s.CompletedByCustomer) {
		add(InconsistentCompletedNotLocked, "completion recorded before funds were locked")
	}
	if deal == nil {
		return out
	}

	status := deal.DealStatus()
	if !status.Known() {
		add(InconsistentDealUnknownStatus, "contract reported status "+status.String())
	}
	if s.Locked() && status != escrow.StatusLocked && status != escrow.StatusCompleted {
		add(InconsistentLockedNoDeal, "escrow transaction recorded but deal is "+status.String())
	}
	if !s.Locked() && holdsFunds(status) {
		add(InconsistentDealNotRecorded, "deal is "+status.String()+" but no escrow transaction is recorded")
	}
	if s.Status != scenario.StatusConfirmed && status == escrow.StatusCompleted {
		add(InconsistentCompletedNotConfirm, "deal completed but scenario is "+string(s.Status))
	}
	if s.Status == scenario.StatusConfirmed && status != escrow.StatusCompleted {
		add(InconsistentConfirmedNotSettled, "scenario confirmed but deal is "+status.String())
	}
	if status == escrow.StatusRefunded {
		add(InconsistentDealRefunded, "deal was refunded on-chain")
	}
	if executorWallet != "" && deal.Exists() && !sameAddress(executorWallet, deal.Executor.Hex()) {
		add(InconsistentExecutorMismatch, "deal executor "+deal.Executor.Hex()+" differs from profile wallet "+executorWallet)
	}
	return out
}

type gate struct {
	in   Input
	s    *scenario.Scenario
	view *View
	now  time.Time
}

func (g gate) decide(a Action) Decision {
	reason := g.refusal(a)
	return Decision{Action: a, Allowed: reason == "", Reason: reason}
}

// refusal returns "" when a is legal.
func (g gate) refusal(a Action) string {
	s, role := g.s, g.view.Role
	if role == RoleObserver {
		return ReasonNotParty
	}
	confirmed := s.Status == scenario.StatusConfirmed

	switch a {
	case ActionEdit:
		if confirmed {
			return ReasonConfirmed
		}
		if s.Locked() {
			return ReasonLocked
		}
		if g.dealHeld() {
			return ReasonDealExists
		}

	case ActionAgree:
		if confirmed {
			return ReasonConfirmed
		}
		if s.Agreed(partyOf(role)) {
			return ReasonAlreadyAgreed
		}

	case ActionLockFunds:
		if role != RoleCustomer {
			return ReasonWrongRole
		}
		if confirmed {
			return ReasonConfirmed
		}
		if s.Locked() {
			return ReasonLocked
		}
		if g.dealHeld() {
			return ReasonDealExists
		}
		if !s.BothAgreed() {
			return ReasonNotAgreed
		}

	case ActionConfirm:
		if role != RoleExecutor {
			return ReasonWrongRole
		}
		if confirmed {
			return ReasonConfirmed
		}
		if !s.Locked() {
			return ReasonNotLocked
		}
		if s.CompletedByExecutor {
			return ReasonAlreadyCompleted
		}
		if at := g.view.ScheduledAt; at != nil && g.now.Before(*at) {
			return ReasonTooEarly
		}
		if d := g.in.Deal; d != nil && d.DealStatus() != escrow.StatusLocked {
			return ReasonDealNotLocked
		}
		if r := g.addressRefusal(); r != "" {
			return r
		}

	case ActionCustomerComplete:
		if role != RoleCustomer {
			return ReasonWrongRole
		}
		if confirmed {
			return ReasonConfirmed
		}
		if !s.Locked() {
			return ReasonNotLocked
		}
		if s.CompletedByCustomer {
			return ReasonAlreadyCompleted
		}

	case ActionOpenDispute:
		if role != RoleCustomer {
			return ReasonWrongRole
		}
		if confirmed {
			return ReasonConfirmed
		}
		if g.view.Stage < StageAgreed {
			return ReasonNotAgreed
		}
	}
	return ""
}

// dealHeld reports whether the contract holds funds for the scenario.
func (g gate) dealHeld() bool {
	return g.in.Deal != nil && holdsFunds(g.in.Deal.DealStatus())
}

func holdsFunds(st escrow.DealStatus) bool {
	return st == escrow.StatusLocked || st == escrow.StatusCompleted
}

// addressRefusal applies the executor wallet double-check when the
// connected wallet is known.
func (g gate) addressRefusal() string {
	connected := g.in.ConnectedWallet
	if connected == "" {
		return ""
	}
	if g.in.ExecutorWallet == "" {
		return ReasonNoExecutorWallet
	}
	if !sameAddress(connected, g.in.ExecutorWallet) {
		return ReasonAddressMismatch
	}
	if d := g.in.Deal; d != nil && d.Exists() && !sameAddress(connected, d.Executor.Hex()) {
		return ReasonAddressMismatch
	}
	return ""
}

func partyOf(r Role) scenario.Party {
	if r == RoleExecutor {
		return scenario.PartyExecutor
	}
	return scenario.PartyCustomer
}

// sameAddress compares hex addresses case-insensitively.
func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
