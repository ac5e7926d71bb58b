package main

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/bmbapp/bmb/internal/chain"
	"github.com/bmbapp/bmb/internal/tokenamount"
)

var dealCmd = &cobra.Command{
	Use:   "deal <scenario-id>",
	Short: "Read the escrow deal for a scenario",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeal,
}

var escalateCmd = &cobra.Command{
	Use:   "escalate <scenario-id>",
	Short: "Move a locked deal into community voting",
	Long: `escalate sends escalateToDispute from the operator wallet (SIGNER_KEY).
The contract decides whether the operator may do so.`,
	Args: cobra.ExactArgs(1),
	RunE: runEscalate,
}

func init() {
	rootCmd.AddCommand(dealCmd)
	rootCmd.AddCommand(escalateCmd)
}

type dealView struct {
	ScenarioID      string     `json:"scenario_id"`
	Status          string     `json:"status"`
	Customer        string     `json:"customer"`
	Executor        string     `json:"executor"`
	Referrer        string     `json:"referrer,omitempty"`
	Amount          string     `json:"amount_usdt"`
	ExecutionTime   time.Time  `json:"execution_time"`
	Deadline        time.Time  `json:"deadline"`
	DisputeOpenedAt *time.Time `json:"dispute_opened_at,omitempty"`
	VotesExecutor   uint16     `json:"votes_executor"`
	VotesCustomer   uint16     `json:"votes_customer"`
}

func runDeal(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, b, err := escrowClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	deal, err := b.GetDeal(ctx, args[0])
	if err != nil {
		return err
	}
	if !deal.Exists() {
		return errors.New("no deal recorded for this scenario")
	}
	decimals, err := b.TokenDecimals(ctx)
	if err != nil {
		return err
	}

	v := dealView{
		ScenarioID:    args[0],
		Status:        deal.DealStatus().String(),
		Customer:      deal.Customer.Hex(),
		Executor:      deal.Executor.Hex(),
		Amount:        tokenamount.Format(deal.Amount, decimals),
		ExecutionTime: deal.ExecutionTime(),
		Deadline:      deal.DeadlineTime(),
		VotesExecutor: deal.VotesExecutor,
		VotesCustomer: deal.VotesCustomer,
	}
	if deal.Referrer != (common.Address{}) {
		v.Referrer = deal.Referrer.Hex()
	}
	if t := deal.DisputeOpenedTime(); !t.IsZero() {
		v.DisputeOpenedAt = &t
	}
	return printOut(cmd.OutOrStdout(), v)
}

func runEscalate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.SignerKey == "" {
		return errors.New("SIGNER_KEY is required to escalate")
	}
	client, b, err := escrowClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	signer, err := chain.NewKeySigner(cfg.SignerKey, b.Network(), chain.WithClient(client))
	if err != nil {
		return err
	}
	defer func() { _ = signer.Close() }()

	wallet := chain.NewManager(signer, client, chain.WithManagerLogger(logger()))
	receipt, err := b.EscalateToDispute(ctx, wallet, args[0])
	if err != nil {
		return err
	}
	return printOut(cmd.OutOrStdout(), map[string]any{
		"scenario_id": args[0],
		"tx_hash":     receipt.TxHash.Hex(),
		"block":       receipt.BlockNumber.Uint64(),
	})
}
