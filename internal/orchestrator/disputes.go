package orchestrator

import (
	"context"
	"errors"

	"github.com/bmbapp/bmb/internal/dispute"
	"github.com/bmbapp/bmb/internal/evidence"
	"github.com/bmbapp/bmb/internal/notify"
	"github.com/bmbapp/bmb/internal/reconcile"
	"github.com/bmbapp/bmb/internal/scenario"
)

// DisputeResult is a dispute after an action. TxHash is set when the
// action was mirrored on-chain.
type DisputeResult struct {
	Dispute  *dispute.Dispute  `json:"dispute"`
	Snapshot *dispute.Snapshot `json:"snapshot,omitempty"`
	TxHash   string            `json:"txHash,omitempty"`
}

func (s *Service) onChainDisputes() bool {
	return s.opts.OnChainDisputes && s.chain != nil && s.wallets != nil
}

// OpenDispute opens the scenario's dispute, or returns the one already
// open, and marks the scenario disputed.
func (s *Service) OpenDispute(ctx context.Context, scenarioID, userID string) (*DisputeResult, error) {
	var res *DisputeResult
	err := s.run(ctx, "open_dispute", entity(scenarioID, userID), func(ctx context.Context) error {
		sc, d, err := s.gate(ctx, scenarioID, userID, reconcile.ActionOpenDispute)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return &NotAllowedError{Action: string(d.Action), Reason: d.Reason}
		}

		prior, err := s.disputes.LatestForScenario(ctx, scenarioID)
		existed := err == nil && prior.Status == dispute.StatusOpen
		if err != nil && !errors.Is(err, dispute.ErrNotFound) {
			return err
		}

		dsp, err := s.disputes.Open(ctx, scenarioID, sc.CreatorID, sc.ExecutorID)
		if err != nil {
			return err
		}
		res = &DisputeResult{Dispute: dsp}

		if sc.Status != scenario.StatusDisputed {
			_, err := s.scenarios.SetStatus(ctx, scenarioID, scenario.StatusDisputed,
				scenario.StatusPending, scenario.StatusAgreed)
			if err != nil && !errors.Is(err, scenario.ErrWriteConflict) {
				return err
			}
		}
		if existed {
			return nil
		}

		if s.onChainDisputes() && sc.Locked() {
			w, err := s.wallets.For(userID)
			if err != nil {
				return err
			}
			receipt, err := s.chain.OpenDispute(ctx, w, scenarioID)
			if err != nil {
				return err
			}
			res.TxHash = receipt.TxHash.Hex()
		}

		s.fire(notify.Notification{
			Users:      parties(sc),
			Kind:       notify.KindDisputeOpened,
			Title:      "Dispute opened",
			Body:       "The community votes on this scenario for the next 7 days.",
			Sound:      notify.SoundAlert,
			ScenarioID: scenarioID,
			DisputeID:  dsp.ID,
		})
		return nil
	})
	return res, err
}

// UploadEvidence attaches f to the dispute. Only one file is accepted per
// dispute and only the parties may upload it.
func (s *Service) UploadEvidence(ctx context.Context, disputeID, userID string, f evidence.File) (*dispute.Dispute, error) {
	var out *dispute.Dispute
	err := s.run(ctx, "upload_evidence", entity(disputeID, userID), func(ctx context.Context) error {
		dsp, err := s.disputes.AttachEvidence(ctx, disputeID, userID, f)
		if err != nil {
			return err
		}
		out = dsp
		s.fire(notify.Notification{
			Users:      []string{dsp.InitiatorID, dsp.RespondentID},
			Kind:       notify.KindEvidenceUploaded,
			Title:      "Evidence uploaded",
			Sound:      notify.SoundSuccess,
			ScenarioID: dsp.ScenarioID,
			DisputeID:  dsp.ID,
		})
		return nil
	})
	return out, err
}

// Vote casts or replaces userID's vote.
func (s *Service) Vote(ctx context.Context, disputeID, userID string, choice dispute.Choice) (*DisputeResult, error) {
	var res *DisputeResult
	err := s.run(ctx, "vote", entity(disputeID, userID), func(ctx context.Context) error {
		snap, err := s.disputes.Vote(ctx, disputeID, userID, choice)
		if err != nil {
			return err
		}
		res = &DisputeResult{Dispute: snap.Dispute, Snapshot: snap}

		if s.onChainDisputes() {
			w, err := s.wallets.For(userID)
			if err != nil {
				return err
			}
			receipt, err := s.chain.Vote(ctx, w, snap.Dispute.ScenarioID, choice == dispute.ChoiceExecutor)
			if err != nil {
				return err
			}
			res.TxHash = receipt.TxHash.Hex()
		}
		return nil
	})
	return res, err
}

// FinalizeDispute stores the outcome of a dispute whose voting ended and,
// with on-chain disputes, settles the deal.
func (s *Service) FinalizeDispute(ctx context.Context, disputeID, userID string) (*DisputeResult, error) {
	var res *DisputeResult
	err := s.run(ctx, "finalize_dispute", disputeID, func(ctx context.Context) error {
		snap, err := s.disputes.Snapshot(ctx, disputeID, userID)
		if err != nil {
			return err
		}
		if !snap.Closed {
			return ErrVotingOpen
		}
		dsp := snap.Dispute
		res = &DisputeResult{Dispute: dsp, Snapshot: snap}

		if !dsp.Status.Terminal() {
			if dsp, err = s.disputes.Close(ctx, disputeID); err != nil {
				return err
			}
			res.Dispute = dsp
			s.fire(notify.Notification{
				Users:      []string{dsp.InitiatorID, dsp.RespondentID},
				Kind:       notify.KindDisputeClosed,
				Title:      "Dispute closed",
				Body:       closedBody(dsp.Winner),
				ScenarioID: dsp.ScenarioID,
				DisputeID:  dsp.ID,
			})
		}

		if !s.onChainDisputes() || dsp.ResolutionTxHash != "" {
			return nil
		}
		sc, err := s.scenarios.Get(ctx, dsp.ScenarioID)
		if err != nil {
			return err
		}
		if !sc.Locked() {
			return nil
		}
		w, err := s.wallets.For(userID)
		if err != nil {
			return err
		}
		receipt, err := s.chain.FinalizeDispute(ctx, w, dsp.ScenarioID)
		if err != nil {
			return err
		}
		res.TxHash = receipt.TxHash.Hex()
		if err := s.disputes.SetResolutionTx(ctx, disputeID, res.TxHash); err != nil {
			s.logger.Warn("failed to record resolution tx", "disputeId", disputeID, "txHash", res.TxHash, "error", err)
		}
		res.Dispute.ResolutionTxHash = res.TxHash
		return nil
	})
	return res, err
}

func closedBody(w dispute.Choice) string {
	switch w {
	case dispute.ChoiceExecutor:
		return "The community sided with the executor."
	case dispute.ChoiceCustomer:
		return "The community sided with the customer."
	}
	return "The vote ended in a tie."
}
