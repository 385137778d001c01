package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethindex/erc20indexer/internal/common"
	erc20config "github.com/ethindex/erc20indexer/internal/config"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(id), "result": result}
	json.NewEncoder(w).Encode(resp)
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, message, data string) {
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"error": map[string]any{
			"code":    -32000,
			"message": message,
			"data":    data,
		},
	}
	json.NewEncoder(w).Encode(resp)
}

func testRetryConfig() *erc20config.RetryConfig {
	return &erc20config.RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    common.NewDuration(1 * time.Millisecond),
		MaxBackoff:        common.NewDuration(5 * time.Millisecond),
		BackoffMultiplier: 2,
	}
}

func TestNewPool_RequiresEndpoint(t *testing.T) {
	_, err := NewPool(context.Background(), nil, testRetryConfig())
	require.Error(t, err)
}

func TestPool_CurrentEndpoint_Rotation(t *testing.T) {
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srvB.Close()

	pool, err := NewPool(context.Background(), []string{srvA.URL, srvB.URL}, testRetryConfig())
	require.NoError(t, err)
	defer pool.Close()

	require.Equal(t, srvA.URL, pool.CurrentEndpoint())
	pool.rotate("test")
	require.Equal(t, srvB.URL, pool.CurrentEndpoint())
	pool.rotate("test")
	require.Equal(t, srvA.URL, pool.CurrentEndpoint())
}

// TestPool_CodeAt_RotatesOnFailure verifies that a failing endpoint is
// never retried directly: the pool rotates to the next endpoint before
// the retry loop's second attempt.
func TestPool_CodeAt_RotatesOnFailure(t *testing.T) {
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		writeRPCError(w, req.ID, "eth_getCode timeout", "")
	}))
	defer badSrv.Close()

	goodSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		writeRPCResult(w, req.ID, "0x6001")
	}))
	defer goodSrv.Close()

	pool, err := NewPool(context.Background(), []string{badSrv.URL, goodSrv.URL}, testRetryConfig())
	require.NoError(t, err)
	defer pool.Close()

	code, err := pool.CodeAt(context.Background(), ethcommon.HexToAddress("0x1111111111111111111111111111111111111111"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0x60, 0x01}, code)
	require.Equal(t, goodSrv.URL, pool.CurrentEndpoint())
}

// TestPool_Logs_AdaptiveSplit verifies the too-many-results error triggers
// an immediate sub-range request rather than a bare retry of the original
// range.
func TestPool_Logs_AdaptiveSplit(t *testing.T) {
	addr := ethcommon.HexToAddress("0x2222222222222222222222222222222222222222")
	topic0 := ethcommon.HexToHash("0x3333333333333333333333333333333333333333333333333333333333333333")
	blockHash := ethcommon.HexToHash("0x4444444444444444444444444444444444444444444444444444444444444444")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		params, _ := req.Params[0].(map[string]any)
		toBlock, _ := params["toBlock"].(string)

		if toBlock == "0x2710" {
			writeRPCError(w, req.ID, "query returned more than 20000 results",
				"Query returned more than 20000 results. Try with this block range [0x0, 0x1388].")
			return
		}

		logEntry := map[string]any{
			"address":          addr.Hex(),
			"topics":           []string{topic0.Hex()},
			"data":             "0x",
			"blockNumber":      "0x1",
			"transactionHash":  blockHash.Hex(),
			"transactionIndex": "0x0",
			"blockHash":        blockHash.Hex(),
			"logIndex":         "0x0",
			"removed":          false,
		}
		writeRPCResult(w, req.ID, []map[string]any{logEntry})
	}))
	defer srv.Close()

	pool, err := NewPool(context.Background(), []string{srv.URL}, testRetryConfig())
	require.NoError(t, err)
	defer pool.Close()

	logs, servedTo, err := pool.Logs(context.Background(), 0, 0x2710, addr, topic0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, uint64(0x1388), servedTo)
}
