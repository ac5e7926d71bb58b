package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bmbapp/bmb/internal/chain"
	"github.com/bmbapp/bmb/internal/escrow"
	"github.com/bmbapp/bmb/internal/notify"
	"github.com/bmbapp/bmb/internal/reconcile"
	"github.com/bmbapp/bmb/internal/retry"
	"github.com/bmbapp/bmb/internal/scenario"
)

// CreateInput is a new scenario proposed by its customer.
type CreateInput struct {
	ExecutorID     string     `json:"executor_id"`
	Description    string     `json:"description"`
	DonationAmount string     `json:"donation_amount_usdt"`
	Date           string     `json:"date,omitempty"`
	Time           string     `json:"time,omitempty"`
	ExecutionTime  *time.Time `json:"execution_time,omitempty"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
}

// LockResult reports a lock. Pending means the transaction was mined but
// the deal did not read as locked within the wait.
type LockResult struct {
	Scenario   *scenario.Scenario `json:"scenario"`
	TxHash     string             `json:"txHash"`
	DealStatus string             `json:"dealStatus,omitempty"`
	Pending    bool               `json:"pending"`
}

// ConfirmResult reports a confirmation. Confirmed is set only once the
// deal read as completed; otherwise the completion flag is stored and
// the scenario is still processing.
type ConfirmResult struct {
	Scenario   *scenario.Scenario `json:"scenario"`
	TxHash     string             `json:"txHash"`
	DealStatus string             `json:"dealStatus,omitempty"`
	Confirmed  bool               `json:"confirmed"`
	Pending    bool               `json:"pending"`
}

// entity names the busy flag of one user's action on one scenario or
// dispute. The conditional writes behind every action settle races
// between different users.
func entity(id, userID string) string { return id + "/" + userID }

// CreateScenario stores a new pending scenario with creatorID as the
// customer.
func (s *Service) CreateScenario(ctx context.Context, creatorID string, in CreateInput) (*scenario.Scenario, error) {
	var out *scenario.Scenario
	err := s.run(ctx, "create_scenario", creatorID, func(ctx context.Context) error {
		if in.ExecutorID == creatorID {
			return scenario.ErrInvalidParty
		}
		sc := &scenario.Scenario{
			CreatorID:      creatorID,
			ExecutorID:     strings.TrimSpace(in.ExecutorID),
			Description:    in.Description,
			DonationAmount: strings.TrimSpace(in.DonationAmount),
			Date:           in.Date,
			Time:           in.Time,
			ExecutionTime:  in.ExecutionTime,
			Latitude:       in.Latitude,
			Longitude:      in.Longitude,
			Status:         scenario.StatusPending,
		}
		if err := s.scenarios.Create(ctx, sc); err != nil {
			return err
		}
		out = sc
		return nil
	})
	return out, err
}

// UpdateTerms applies edited terms. Any change clears both agreements.
func (s *Service) UpdateTerms(ctx context.Context, scenarioID, editorID string, t scenario.Terms) (*scenario.Scenario, error) {
	var out *scenario.Scenario
	err := s.run(ctx, "edit", entity(scenarioID, editorID), func(ctx context.Context) error {
		var err error
		out, err = s.applyTerms(ctx, scenarioID, editorID, t)
		return err
	})
	return out, err
}

func (s *Service) applyTerms(ctx context.Context, scenarioID, editorID string, t scenario.Terms) (*scenario.Scenario, error) {
	sc, d, err := s.gate(ctx, scenarioID, editorID, reconcile.ActionEdit)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, &NotAllowedError{Action: string(d.Action), Reason: d.Reason}
	}
	if t.Empty() {
		return sc, nil
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	updated, err := s.scenarios.UpdateTerms(ctx, scenarioID, t)
	if errors.Is(err, scenario.ErrWriteConflict) {
		// Locked or confirmed since the gate ran.
		return nil, &NotAllowedError{Action: string(reconcile.ActionEdit), Reason: reconcile.ReasonLocked}
	}
	if err != nil {
		return nil, err
	}
	if sc.AgreedByCustomer || sc.AgreedByExecutor {
		s.logger.Info("terms edited, agreements cleared", "scenarioId", scenarioID, "editor", editorID)
	}
	return updated, nil
}

func termsFor(f reconcile.Field, value string) scenario.Terms {
	if f == reconcile.FieldAmount {
		return scenario.Terms{DonationAmount: &value}
	}
	return scenario.Terms{Description: &value}
}

// EditDraft sets editorID's unsaved value of a field. Remote updates to
// that field do not replace the draft until it is committed or
// cancelled.
func (s *Service) EditDraft(ctx context.Context, scenarioID, editorID string, f reconcile.Field, value string) (*reconcile.View, error) {
	if !f.Valid() {
		return nil, Translate(ErrUnknownField)
	}
	sc, d, err := s.gate(ctx, scenarioID, editorID, reconcile.ActionEdit)
	if err != nil {
		return nil, Translate(err)
	}
	if !d.Allowed {
		return nil, Translate(&NotAllowedError{Action: string(d.Action), Reason: d.Reason})
	}
	s.drafts.Edit(reconcile.DraftKey{Editor: editorID, ScenarioID: scenarioID, Field: f}, reconcile.FieldValue(sc, f), value)
	return s.View(ctx, scenarioID, editorID)
}

// CommitDraft writes the draft of a field, if it differs from the stored
// value. A failed write rolls the draft back to the stored value.
func (s *Service) CommitDraft(ctx context.Context, scenarioID, editorID string, f reconcile.Field) (*reconcile.View, error) {
	if !f.Valid() {
		return nil, Translate(ErrUnknownField)
	}
	k := reconcile.DraftKey{Editor: editorID, ScenarioID: scenarioID, Field: f}
	err := s.run(ctx, "edit", entity(scenarioID, editorID), func(ctx context.Context) error {
		value, changed := s.drafts.Commit(k)
		if !changed {
			return nil
		}
		updated, err := s.applyTerms(ctx, scenarioID, editorID, termsFor(f, value))
		if err != nil {
			s.drafts.Fail(k)
			return err
		}
		s.drafts.Ack(k, updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.View(ctx, scenarioID, editorID)
}

// CancelDraft discards editorID's draft of a field.
func (s *Service) CancelDraft(ctx context.Context, scenarioID, editorID string, f reconcile.Field) (*reconcile.View, error) {
	if !f.Valid() {
		return nil, Translate(ErrUnknownField)
	}
	s.drafts.Cancel(reconcile.DraftKey{Editor: editorID, ScenarioID: scenarioID, Field: f})
	return s.View(ctx, scenarioID, editorID)
}

// Agree sets userID's agreement. Agreeing twice is not an error.
func (s *Service) Agree(ctx context.Context, scenarioID, userID string) (*scenario.Scenario, error) {
	var out *scenario.Scenario
	err := s.run(ctx, "agree", entity(scenarioID, userID), func(ctx context.Context) error {
		sc, d, err := s.gate(ctx, scenarioID, userID, reconcile.ActionAgree)
		if err != nil {
			return err
		}
		if !d.Allowed {
			if d.Reason == reconcile.ReasonAlreadyAgreed {
				out = sc
				return nil
			}
			return &NotAllowedError{Action: string(d.Action), Reason: d.Reason}
		}

		party, _ := sc.PartyOf(userID)
		updated, err := s.scenarios.SetAgreed(ctx, scenarioID, party)
		if errors.Is(err, scenario.ErrWriteConflict) {
			out, err = s.reread(ctx, scenarioID, err)
			return err
		}
		if err != nil {
			return err
		}
		out = updated

		if updated.BothAgreed() {
			s.fire(notify.Notification{
				Users:      parties(updated),
				Kind:       notify.KindScenarioAgreed,
				Title:      "Scenario agreed",
				Body:       "Both sides agreed. The customer can lock the donation now.",
				ScenarioID: scenarioID,
			})
		}
		return nil
	})
	return out, err
}

// LockFunds escrows the donation from the customer's wallet, records the
// transaction and waits for the deal to read as locked.
func (s *Service) LockFunds(ctx context.Context, scenarioID, userID string) (*LockResult, error) {
	var res *LockResult
	err := s.run(ctx, "lock_funds", entity(scenarioID, userID), func(ctx context.Context) error {
		if s.chain == nil {
			return ErrChainDisabled
		}
		sc, d, err := s.gate(ctx, scenarioID, userID, reconcile.ActionLockFunds)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return &NotAllowedError{Action: string(d.Action), Reason: d.Reason}
		}

		execWallet, err := s.profiles.Wallet(ctx, sc.ExecutorID)
		if err != nil {
			return err
		}
		executor, err := parseAddress("executor wallet", execWallet)
		if err != nil {
			return err
		}
		var referrer common.Address
		if ref, err := s.profiles.ReferrerWallet(ctx, sc.CreatorID); err == nil && common.IsHexAddress(ref) {
			referrer = common.HexToAddress(ref)
		}
		execAt, err := sc.ScheduledAt(s.opts.Location)
		if err != nil {
			execAt = time.Time{}
		}

		w, err := s.wallets.For(userID)
		if err != nil {
			return err
		}
		receipt, err := s.chain.LockFunds(ctx, w, escrow.LockParams{
			ScenarioID:    scenarioID,
			Executor:      executor,
			Referrer:      referrer,
			Amount:        sc.DonationAmount,
			ExecutionTime: execAt,
		})
		var timeout *chain.ConfirmationTimeoutError
		if errors.As(err, &timeout) && !errors.Is(err, escrow.ErrApproveFailed) {
			// The lock transaction is broadcast and may still mine. Its hash
			// keeps the scenario from being locked or edited again.
			if _, rerr := s.scenarios.SetEscrowTx(ctx, scenarioID, timeout.TxHash.Hex()); rerr != nil {
				s.logger.Error("failed to record unconfirmed lock", "scenarioId", scenarioID, "txHash", timeout.TxHash.Hex(), "error", rerr)
			}
			return err
		}
		if err != nil {
			return err
		}
		res = &LockResult{TxHash: receipt.TxHash.Hex()}

		updated, err := s.scenarios.SetEscrowTx(ctx, scenarioID, res.TxHash)
		if errors.Is(err, scenario.ErrWriteConflict) {
			s.logger.Warn("escrow transaction already recorded", "scenarioId", scenarioID, "txHash", res.TxHash)
			updated, err = s.reread(ctx, scenarioID, err)
		}
		if err != nil {
			return &chain.TxError{Op: "record lock", TxHash: receipt.TxHash, Err: err}
		}
		res.Scenario = updated

		status, werr := s.awaitDeal(ctx, scenarioID, escrow.StatusLocked, func(check func(context.Context) (bool, error)) error {
			return retry.PollFor(ctx, s.opts.LockWait, s.opts.LockPoll, check)
		})
		res.DealStatus = status.String()
		if werr != nil {
			res.Pending = true
			s.logger.Info("deal not locked yet", "scenarioId", scenarioID, "txHash", res.TxHash, "error", werr)
		}

		s.fire(notify.Notification{
			Users:      parties(sc),
			Kind:       notify.KindFundsLocked,
			Title:      "Funds locked",
			Body:       fmt.Sprintf("%s USDT is held in escrow.", sc.DonationAmount),
			Sound:      notify.SoundSuccess,
			ScenarioID: scenarioID,
		})
		return nil
	})
	return res, err
}

// ConfirmCompletion releases the escrow from the executor's wallet. The
// connected wallet must equal both the executor's profile wallet and the
// deal's executor. The scenario is marked confirmed only after the deal
// reads as completed.
func (s *Service) ConfirmCompletion(ctx context.Context, scenarioID, userID string) (*ConfirmResult, error) {
	var res *ConfirmResult
	err := s.run(ctx, "confirm_completion", entity(scenarioID, userID), func(ctx context.Context) error {
		if s.chain == nil {
			return ErrChainDisabled
		}
		sc, err := s.scenarios.Get(ctx, scenarioID)
		if err != nil {
			return err
		}
		if _, ok := sc.PartyOf(userID); !ok {
			return ErrForbidden
		}
		deal, err := s.chain.GetDeal(ctx, scenarioID)
		if err != nil {
			return err
		}
		w, err := s.wallets.For(userID)
		if err != nil {
			return err
		}
		connected, err := w.Connect(ctx)
		if err != nil {
			return err
		}

		in := s.input(ctx, sc, userID)
		in.Deal = deal
		in.ConnectedWallet = connected.Hex()
		v := reconcile.Project(in)
		if d := v.Decision(reconcile.ActionConfirm); !d.Allowed {
			switch d.Reason {
			case reconcile.ReasonAddressMismatch:
				expected := in.ExecutorWallet
				if sameAddress(expected, in.ConnectedWallet) {
					expected = deal.Executor.Hex()
				}
				return &AddressMismatchError{Expected: expected, Actual: in.ConnectedWallet}
			case reconcile.ReasonNoExecutorWallet:
				return scenario.ErrNoWallet
			}
			return &NotAllowedError{Action: string(d.Action), Reason: d.Reason}
		}

		// An unconfirmed transaction is settled by the next view that
		// reads the deal as completed.
		receipt, err := s.chain.ConfirmCompletion(ctx, w, scenarioID)
		if err != nil {
			return err
		}
		res = &ConfirmResult{TxHash: receipt.TxHash.Hex()}

		updated, err := s.scenarios.SetCompleted(ctx, scenarioID, scenario.PartyExecutor)
		if errors.Is(err, scenario.ErrWriteConflict) {
			updated, err = s.reread(ctx, scenarioID, err)
		}
		if err != nil {
			return &chain.TxError{Op: "record completion", TxHash: receipt.TxHash, Err: err}
		}
		res.Scenario = updated

		status, verr := s.awaitDeal(ctx, scenarioID, escrow.StatusCompleted, func(check func(context.Context) (bool, error)) error {
			return retry.Poll(ctx, s.opts.VerifyAttempts, s.opts.VerifyDelay, check)
		})
		res.DealStatus = status.String()
		if verr != nil {
			res.Pending = true
			if status == escrow.StatusRefunded {
				s.logger.Warn("deal refunded while confirming", "scenarioId", scenarioID, "txHash", res.TxHash)
			} else {
				s.logger.Info("completion not settled yet", "scenarioId", scenarioID, "txHash", res.TxHash, "error", verr)
			}
			return nil
		}

		confirmed, promoted, err := s.markConfirmed(ctx, updated)
		if err != nil {
			return &chain.TxError{Op: "record confirmation", TxHash: receipt.TxHash, Err: err}
		}
		res.Scenario = confirmed
		res.Confirmed = confirmed.Status == scenario.StatusConfirmed
		if promoted {
			s.fireConfirmed(confirmed)
		}
		return nil
	})
	return res, err
}

// MarkCustomerCompleted records the customer's side of completion.
func (s *Service) MarkCustomerCompleted(ctx context.Context, scenarioID, userID string) (*scenario.Scenario, error) {
	var out *scenario.Scenario
	err := s.run(ctx, "mark_customer_completed", entity(scenarioID, userID), func(ctx context.Context) error {
		sc, d, err := s.gate(ctx, scenarioID, userID, reconcile.ActionCustomerComplete)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return &NotAllowedError{Action: string(d.Action), Reason: d.Reason}
		}
		updated, err := s.scenarios.SetCompleted(ctx, scenarioID, scenario.PartyCustomer)
		if errors.Is(err, scenario.ErrWriteConflict) {
			out, err = s.reread(ctx, scenarioID, err)
			return err
		}
		if err != nil {
			return err
		}
		out = updated
		s.fire(notify.Notification{
			Users:      []string{sc.ExecutorID},
			Kind:       notify.KindCustomerCompleted,
			Title:      "Customer marked the scenario completed",
			ScenarioID: scenarioID,
		})
		return nil
	})
	return out, err
}

// markConfirmed moves sc to confirmed. promoted is false when another
// request confirmed it first.
func (s *Service) markConfirmed(ctx context.Context, sc *scenario.Scenario) (*scenario.Scenario, bool, error) {
	confirmed, err := s.scenarios.SetStatus(ctx, sc.ID, scenario.StatusConfirmed,
		scenario.StatusPending, scenario.StatusAgreed, scenario.StatusDisputed)
	if errors.Is(err, scenario.ErrWriteConflict) {
		confirmed, err = s.reread(ctx, sc.ID, err)
		return confirmed, false, err
	}
	return confirmed, err == nil, err
}

func (s *Service) fireConfirmed(sc *scenario.Scenario) {
	s.fire(notify.Notification{
		Users:      parties(sc),
		Kind:       notify.KindCompletionConfirmed,
		Title:      "Completion confirmed",
		Body:       fmt.Sprintf("%s USDT was released to the executor.", sc.DonationAmount),
		Sound:      notify.SoundSuccess,
		ScenarioID: sc.ID,
	})
}

// settle brings a scenario whose deal completed on-chain up to date: the
// executor's completion is recorded and the scenario confirmed. It
// covers confirmations whose verification ran out of time.
func (s *Service) settle(ctx context.Context, sc *scenario.Scenario) *scenario.Scenario {
	if sc.Status == scenario.StatusConfirmed || !sc.Locked() {
		return sc
	}
	if !sc.CompletedByExecutor {
		_, err := s.scenarios.SetCompleted(ctx, sc.ID, scenario.PartyExecutor)
		if err != nil && !errors.Is(err, scenario.ErrWriteConflict) {
			s.logger.Warn("failed to record settled completion", "scenarioId", sc.ID, "error", err)
			return sc
		}
	}
	confirmed, promoted, err := s.markConfirmed(ctx, sc)
	if err != nil {
		s.logger.Warn("failed to confirm settled deal", "scenarioId", sc.ID, "error", err)
		return sc
	}
	if promoted {
		s.logger.Info("deal settled on-chain, scenario confirmed", "scenarioId", sc.ID)
		s.fireConfirmed(confirmed)
	}
	return confirmed
}

var errUnexpectedDealStatus = errors.New("orchestrator: deal settled in another state")

// awaitDeal polls the deal until it reads as want. A deal that settles
// in another final state ends the wait early. It returns the last status
// read.
func (s *Service) awaitDeal(ctx context.Context, scenarioID string, want escrow.DealStatus, poll func(check func(context.Context) (bool, error)) error) (escrow.DealStatus, error) {
	last := escrow.StatusNone
	err := poll(func(ctx context.Context) (bool, error) {
		deal, err := s.chain.GetDeal(ctx, scenarioID)
		if err != nil {
			return false, err
		}
		last = deal.DealStatus()
		switch {
		case last == want:
			return true, nil
		case last == escrow.StatusRefunded, last == escrow.StatusCompleted && want != escrow.StatusCompleted:
			return false, retry.Permanent(errUnexpectedDealStatus)
		}
		return false, nil
	})
	return last, err
}
