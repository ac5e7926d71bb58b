package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// DialReader connects to the first RPC endpoint that answers eth_chainId
// with the expected chain id. Endpoints are tried in order.
func DialReader(ctx context.Context, urls []string, chainID int64, logger *slog.Logger) (*ethclient.Client, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no RPC URLs configured", ErrRPCConnection)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var errs []error
	for _, url := range urls {
		client, err := dialOne(ctx, url, chainID)
		if err != nil {
			logger.Warn("rpc endpoint unavailable", "url", url, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		return client, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrRPCConnection, errors.Join(errs...))
}

func dialOne(ctx context.Context, url string, chainID int64) (*ethclient.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(dctx, url)
	if err != nil {
		return nil, err
	}
	id, err := client.ChainID(dctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if chainID > 0 && id.Int64() != chainID {
		client.Close()
		return nil, fmt.Errorf("endpoint serves chain %s, want %d", id, chainID)
	}
	return client, nil
}
