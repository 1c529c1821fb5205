package chain

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// BlockhashReader fetches a recent blockhash. Callers must fetch one per
// transaction; blockhashes are never cached.
type BlockhashReader interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// RPCReader reads blockhashes from a Solana JSON-RPC endpoint.
type RPCReader struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

// NewRPCReader creates a reader for endpoint using the finalized commitment.
func NewRPCReader(endpoint string) *RPCReader {
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	rpcClient := jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{HTTPClient: httpClient})
	return &RPCReader{
		client:     rpc.NewWithCustomRPCClient(rpcClient),
		commitment: rpc.CommitmentFinalized,
	}
}

// LatestBlockhash implements BlockhashReader.
func (r *RPCReader) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := r.client.GetLatestBlockhash(ctx, r.commitment)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: empty result")
	}
	return out.Value.Blockhash, nil
}
