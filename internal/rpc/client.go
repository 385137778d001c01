package rpc

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethindex/erc20indexer/internal/config"
	"github.com/ethindex/erc20indexer/internal/metrics"
)

// endpoint bundles the two client handles go-ethereum exposes for a single
// JSON-RPC connection: the high-level ethclient for typed calls and the
// low-level rpc client for batch/raw calls.
type endpoint struct {
	url string
	eth *ethclient.Client
	raw *rpc.Client
}

// Pool is a rotating collection of JSON-RPC endpoints. Every call goes
// through the endpoint the cursor currently points at; a failing attempt
// advances the cursor before the retry loop tries again, so a dead or
// rate-limited provider is not hammered on every subsequent attempt.
type Pool struct {
	endpoints   []endpoint
	retryConfig *config.RetryConfig
	cursor      atomic.Uint64
}

// NewPool dials every endpoint URL up front and returns a Pool ready to
// serve calls starting at the first endpoint.
func NewPool(ctx context.Context, urls []string, retryConfig *config.RetryConfig) (*Pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("rpc: at least one endpoint is required")
	}

	endpoints := make([]endpoint, 0, len(urls))
	for _, u := range urls {
		raw, err := rpc.DialContext(ctx, u)
		if err != nil {
			for _, e := range endpoints {
				e.eth.Close()
			}
			return nil, fmt.Errorf("rpc: dial %s: %w", u, err)
		}
		endpoints = append(endpoints, endpoint{
			url: u,
			eth: ethclient.NewClient(raw),
			raw: raw,
		})
	}

	return &Pool{endpoints: endpoints, retryConfig: retryConfig}, nil
}

// Close closes every dialed endpoint.
func (p *Pool) Close() {
	for _, e := range p.endpoints {
		e.eth.Close()
	}
}

// CurrentEndpoint returns the URL of the endpoint the cursor currently
// points at, useful for logging which provider served (or failed) a call.
func (p *Pool) CurrentEndpoint() string {
	return p.endpoints[p.cursor.Load()%uint64(len(p.endpoints))].url
}

func (p *Pool) current() endpoint {
	return p.endpoints[p.cursor.Load()%uint64(len(p.endpoints))]
}

// rotate advances the cursor to the next endpoint. Called on failure, never
// on success, so a healthy endpoint keeps serving every call.
func (p *Pool) rotate(reason string) {
	if len(p.endpoints) < 2 {
		return
	}
	p.cursor.Add(1)
	metrics.RPCRotationInc(reason)
}

// call runs fn against the current endpoint through the shared retry
// policy, rotating to the next endpoint before each attempt past the
// first so repeated failures fan out across the pool instead of
// hammering a single dead provider.
func (p *Pool) call(ctx context.Context, method string, fn func(ep endpoint) error) error {
	start := time.Now()
	metrics.RPCMethodInc(method)
	defer func() {
		metrics.RPCMethodDurationLog(method, time.Since(start))
	}()

	attempt := 0
	err := retryWithBackoff(ctx, p.retryConfig, method, func() error {
		if attempt > 0 {
			p.rotate("retry")
		}
		attempt++
		return fn(p.current())
	})

	if err != nil {
		metrics.RPCMethodErrorInc(method)
	}

	return err
}

// LatestBlock returns the current chain head block number.
func (p *Pool) LatestBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := p.call(ctx, "eth_blockNumber", func(ep endpoint) error {
		header, err := ep.eth.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		n = header.Number.Uint64()
		return nil
	})
	return n, err
}

// FinalizedBlock returns the number of the chain's finalized block.
func (p *Pool) FinalizedBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := p.call(ctx, "eth_getBlockByNumber_finalized", func(ep endpoint) error {
		header, err := ep.eth.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
		if err != nil {
			return err
		}
		n = header.Number.Uint64()
		return nil
	})
	return n, err
}

// BlockHash returns the hash of the block at the given number.
func (p *Pool) BlockHash(ctx context.Context, blockNum uint64) (common.Hash, error) {
	var h common.Hash
	err := p.call(ctx, "eth_getBlockByNumber", func(ep endpoint) error {
		header, err := ep.eth.HeaderByNumber(ctx, big.NewInt(int64(blockNum)))
		if err != nil {
			return err
		}
		h = header.Hash()
		return nil
	})
	return h, err
}

// CodeAt returns the contract bytecode deployed at address as of the given
// block number. A nil block number means "latest".
func (p *Pool) CodeAt(ctx context.Context, address common.Address, blockNum *big.Int) ([]byte, error) {
	var code []byte
	err := p.call(ctx, "eth_getCode", func(ep endpoint) error {
		var err error
		code, err = ep.eth.CodeAt(ctx, address, blockNum)
		return err
	})
	return code, err
}

// Call executes an eth_call against address as of the given block number.
func (p *Pool) Call(ctx context.Context, address common.Address, calldata []byte, blockNum *big.Int) ([]byte, error) {
	var result []byte
	err := p.call(ctx, "eth_call", func(ep endpoint) error {
		var err error
		result, err = ep.eth.CallContract(ctx, ethereum.CallMsg{To: &address, Data: calldata}, blockNum)
		return err
	})
	return result, err
}

// Logs fetches Transfer logs for the given contract and topic0, attempting
// the full [from, to] range first. When the provider rejects the range as
// too large, it parses the suggested sub-range from the error and serves
// exactly that instead of retrying the original range unchanged. The
// returned (servedTo) is the actual upper bound covered by logs, so callers
// must advance their watermark to servedTo rather than assuming the full
// requested range was covered.
func (p *Pool) Logs(ctx context.Context, from, to uint64, address common.Address, topic0 common.Hash) (logs []types.Log, servedTo uint64, err error) {
	servedTo = to

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic0}},
	}

	err = p.call(ctx, "eth_getLogs", func(ep endpoint) error {
		result, fetchErr := ep.eth.FilterLogs(ctx, query)
		if fetchErr == nil {
			logs = result
			return nil
		}

		if tooMany, data := IsTooManyResultsError(fetchErr); tooMany {
			suggestedFrom, suggestedTo, ok := ParseSuggestedBlockRange(data)
			if ok {
				metrics.RPCRangeSplits.Inc()
				query.FromBlock = new(big.Int).SetUint64(suggestedFrom)
				query.ToBlock = new(big.Int).SetUint64(suggestedTo)
				result, fetchErr = ep.eth.FilterLogs(ctx, query)
				if fetchErr == nil {
					logs = result
					servedTo = suggestedTo
					return nil
				}
			}
		}

		return fetchErr
	})

	return logs, servedTo, err
}
