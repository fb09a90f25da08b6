package bitcoin

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/retry"
)

// RPCClient reads chain tip information from a Bitcoin Core node over
// JSON-RPC. Every call goes through a circuit breaker and bounded retries.
type RPCClient struct {
	client  *rpcclient.Client
	breaker *circuit.Breaker
	policy  *retry.Policy
}

// NewRPCClient creates a Bitcoin Core RPC client in HTTP POST mode with TLS
// disabled. No connection is made until the first call.
//
// Parameters:
//   - host: Bitcoin Core hostname or IP address
//   - port: RPC port (8332 on mainnet)
//   - username: RPC authentication username
//   - password: RPC authentication password
//
// Returns:
//   - *RPCClient: client guarded by a circuit breaker and retry policy
//   - error: any error from the underlying client constructor
func NewRPCClient(host string, port int, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Transport(err, "rpc_client", "create node RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	return &RPCClient{
		client: client,
		breaker: circuit.New(&circuit.Config{
			Name:            "bitcoin-rpc",
			MaxFailures:     3,
			SuccessRequired: 2,
			CoolDown:        10 * time.Second,
			FailureWindow:   30 * time.Second,
		}),
		policy: retry.BrokerPolicy(),
	}, nil
}

// Close shuts the client down.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBestBlockHash returns the tip hash in display order.
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (string, error) {
	return call(ctx, c, "get_best_block_hash", func() (string, error) {
		hash, err := c.client.GetBestBlockHashAsync().Receive()
		if err != nil {
			return "", err
		}
		return hash.String(), nil
	})
}

// GetBlockHeight returns the height of the block with the given hash.
func (c *RPCClient) GetBlockHeight(ctx context.Context, hash string) (int64, error) {
	blockHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return 0, errors.Decode(err, "get_block_height", "invalid block hash").
			WithContext("hash", hash)
	}
	return call(ctx, c, "get_block_height", func() (int64, error) {
		header, err := c.client.GetBlockHeaderVerboseAsync(blockHash).Receive()
		if err != nil {
			return 0, err
		}
		return int64(header.Height), nil
	})
}

// GetDifficulty returns the current network difficulty.
func (c *RPCClient) GetDifficulty(ctx context.Context) (float64, error) {
	return call(ctx, c, "get_difficulty", func() (float64, error) {
		return c.client.GetDifficultyAsync().Receive()
	})
}

func call[T any](ctx context.Context, c *RPCClient, op string, fn func() (T, error)) (T, error) {
	return circuit.ExecuteWithResult(ctx, c.breaker, func() (T, error) {
		return retry.DoWithResult(ctx, c.policy, func() (T, error) {
			res, err := fn()
			if err != nil {
				var zero T
				return zero, errors.Transport(err, op, "node RPC call failed")
			}
			return res, nil
		})
	})
}
