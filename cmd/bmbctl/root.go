package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bmbapp/bmb/internal/chain"
	"github.com/bmbapp/bmb/internal/config"
	"github.com/bmbapp/bmb/internal/escrow"
	"github.com/bmbapp/bmb/internal/logging"
)

var (
	outputFormat string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "bmbctl",
	Short: "Operator tools for the bmb escrow coordinator",
	Long: `bmbctl reads the same environment as the coordinator (.env is honored)
and talks to its database and the escrow contract directly.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

func logger() *slog.Logger {
	if verbose {
		return logging.New("debug", "text")
	}
	return logging.New("warn", "text")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// escrowClient dials the RPC endpoint and binds the configured contract.
func escrowClient(ctx context.Context, cfg *config.Config) (*ethclient.Client, *escrow.Binding, error) {
	networks := []chain.Network{chain.BSC}
	if cfg.NetworksFile != "" {
		extra, err := chain.LoadNetworks(cfg.NetworksFile)
		if err != nil {
			return nil, nil, err
		}
		networks = append(networks, extra...)
	}
	network, err := chain.NewRegistry(networks...).Resolve(cfg.ChainID, cfg.RPCURLs)
	if err != nil {
		return nil, nil, err
	}

	client, err := chain.DialReader(ctx, cfg.RPCURLs, cfg.ChainID, logger())
	if err != nil {
		return nil, nil, err
	}
	b := escrow.New(client, network,
		common.HexToAddress(cfg.EscrowContract), common.HexToAddress(cfg.USDTContract),
		escrow.WithLogger(logger()),
		escrow.WithReceiptTimeout(cfg.ReceiptTimeout),
	)
	return client, b, nil
}

func printOut(w io.Writer, v any) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so the json tags name the keys.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}
