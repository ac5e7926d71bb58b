package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bmbapp/bmb/internal/dispute"
)

var disputeCmd = &cobra.Command{
	Use:   "dispute",
	Short: "Inspect and maintain disputes",
}

var disputeShowCmd = &cobra.Command{
	Use:   "show <dispute-id>",
	Short: "Print a dispute with its current tally",
	Args:  cobra.ExactArgs(1),
	RunE:  runDisputeShow,
}

var disputeCloseCmd = &cobra.Command{
	Use:   "close-expired",
	Short: "Close disputes whose voting window has ended",
	Long: `close-expired runs the same sweep as the coordinator's dispute timer
once. Useful when the coordinator is down or the timer is disabled.`,
	Args: cobra.NoArgs,
	RunE: runDisputeClose,
}

var closeLimit int

func init() {
	disputeCloseCmd.Flags().IntVar(&closeLimit, "limit", 100, "maximum disputes to close")

	rootCmd.AddCommand(disputeCmd)
	disputeCmd.AddCommand(disputeShowCmd)
	disputeCmd.AddCommand(disputeCloseCmd)
}

func disputeService(cmd *cobra.Command) (*dispute.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := openDB(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	svc := dispute.NewService(dispute.NewPostgresStore(db), nil, logger())
	return svc, func() { _ = db.Close() }, nil
}

func runDisputeShow(cmd *cobra.Command, args []string) error {
	svc, done, err := disputeService(cmd)
	if err != nil {
		return err
	}
	defer done()

	snap, err := svc.Snapshot(cmd.Context(), args[0], "")
	if err != nil {
		return err
	}
	return printOut(cmd.OutOrStdout(), snap)
}

func runDisputeClose(cmd *cobra.Command, _ []string) error {
	svc, done, err := disputeService(cmd)
	if err != nil {
		return err
	}
	defer done()

	n, err := svc.CloseExpired(cmd.Context(), closeLimit)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "closed %d dispute(s)\n", n)
	return nil
}
