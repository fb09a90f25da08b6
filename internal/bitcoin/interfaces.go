package bitcoin

import "context"

// NodeClient is the part of the node RPC surface the block watcher needs.
type NodeClient interface {
	GetBestBlockHash(ctx context.Context) (string, error)
	GetBlockHeight(ctx context.Context, hash string) (int64, error)
	GetDifficulty(ctx context.Context) (float64, error)
	Close()
}

// BlockNotifier pushes new tip hashes as the node learns about them.
type BlockNotifier interface {
	Listen(ctx context.Context, onBlock func(hash string)) error
	Close() error
}

var (
	_ NodeClient    = (*RPCClient)(nil)
	_ BlockNotifier = (*ZMQNotifier)(nil)
)
