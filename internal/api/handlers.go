package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/ethindex/erc20indexer/internal/query"
	"github.com/ethindex/erc20indexer/internal/store"
	"github.com/invopop/jsonschema"
)

// schemaDocument is built once: the generated schema is static for the
// lifetime of the process since it only reflects Go struct shapes.
var schemaDocument = jsonschema.Reflect(struct {
	Token    store.Token    `json:"token"`
	Transfer store.Transfer `json:"transfer"`
	Balance  store.Balance  `json:"balance"`
}{})

// Handler serves the read-only query endpoints for a single tracked
// token's indexed data.
type Handler struct {
	svc   *query.Service
	token *store.TokenRepository
	addr  common.Address
	log   *logger.Logger
}

// NewHandler constructs a Handler scoped to the tracked token.
func NewHandler(svc *query.Service, token *store.TokenRepository, addr common.Address, log *logger.Logger) *Handler {
	return &Handler{svc: svc, token: token, addr: addr, log: log}
}

func parseFormat(r *http.Request) query.OutputFormat {
	return query.ParseOutputFormat(r.URL.Query().Get("format"))
}

func contentTypeFor(format query.OutputFormat) string {
	switch format {
	case query.FormatJSON:
		return "application/json"
	case query.FormatCSV:
		return "text/csv"
	default:
		return "text/plain; charset=utf-8"
	}
}

func writeRendered(w http.ResponseWriter, format query.OutputFormat, body string) {
	w.Header().Set("Content-Type", contentTypeFor(format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}

func parseAddressParam(r *http.Request, name string) (*common.Address, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, false, nil
	}
	if !common.IsHexAddress(raw) {
		return nil, true, errInvalidAddress(name, raw)
	}
	addr := common.HexToAddress(raw)
	return &addr, true, nil
}

type paramError struct{ msg string }

func (e paramError) Error() string { return e.msg }

func errInvalidAddress(name, value string) error {
	return paramError{msg: "invalid " + name + " address: " + value}
}

func parseUintParam(r *http.Request, name string) (*uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, paramError{msg: "invalid " + name + ": " + raw}
	}
	return &v, nil
}

func intParamOrDefault(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Health reports the token's bootstrap and watermark status.
//
// @Summary Health check
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	token, err := h.token.Get(h.addr)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "token not yet bootstrapped")
		return
	}

	resp := HealthResponse{Status: "ok", Token: h.addr.Hex(), DeploymentBlock: token.DeploymentBlock}
	if token.LastProcessedBlock.Valid {
		v := token.LastProcessedBlock.Int64
		resp.LastProcessed = &v
	}
	if token.LastProcessedFinalizedBlock.Valid {
		v := token.LastProcessedFinalizedBlock.Int64
		resp.LastFinalized = &v
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Balance reports an address's current balance and lifetime totals.
//
// @Summary Get address balance
// @Produce json,plain,text/csv
// @Param address path string true "Address to query"
// @Param format query string false "table, json, or csv"
// @Success 200 {string} string "rendered balance"
// @Failure 400 {object} ErrorResponse
// @Router /balance/{address} [get]
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address: "+raw)
		return
	}

	format := parseFormat(r)
	body, err := h.svc.Balance(common.HexToAddress(raw), format)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRendered(w, format, body)
}

// Transfers returns transfers filtered by from/to/block/block_range.
//
// @Summary Query transfers
// @Produce json,plain,text/csv
// @Param from query string false "sender address"
// @Param to query string false "recipient address"
// @Param block query integer false "exact block number"
// @Param from_block query integer false "block range lower bound"
// @Param to_block query integer false "block range upper bound"
// @Param limit query integer false "max rows" default(100)
// @Param offset query integer false "row offset"
// @Param format query string false "table, json, or csv"
// @Success 200 {string} string "rendered transfers"
// @Failure 400 {object} ErrorResponse
// @Router /transfers [get]
func (h *Handler) Transfers(w http.ResponseWriter, r *http.Request) {
	format := parseFormat(r)

	from, _, err := parseAddressParam(r, "from")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, _, err := parseAddressParam(r, "to")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	block, err := parseUintParam(r, "block")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var blockRange *[2]uint64
	fromBlock, err := parseUintParam(r, "from_block")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	toBlock, err := parseUintParam(r, "to_block")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fromBlock != nil && toBlock != nil {
		blockRange = &[2]uint64{*fromBlock, *toBlock}
	}

	body, err := h.svc.Transfers(query.TransferQuery{
		From: from, To: to, Block: block, BlockRange: blockRange,
		Limit:  intParamOrDefault(r, "limit", 100),
		Offset: intParamOrDefault(r, "offset", 0),
	}, format)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeRendered(w, format, body)
}

// TopHolders returns the largest current balances.
//
// @Summary Top holders
// @Produce json,plain,text/csv
// @Param count query integer false "number of holders" default(10)
// @Param format query string false "table, json, or csv"
// @Success 200 {string} string "rendered holders"
// @Router /holders [get]
func (h *Handler) TopHolders(w http.ResponseWriter, r *http.Request) {
	format := parseFormat(r)
	body, err := h.svc.TopHolders(intParamOrDefault(r, "count", 10), format)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRendered(w, format, body)
}

// Schema returns the JSON Schema describing the response shapes of the
// token, transfer, and balance records underlying every endpoint above.
//
// @Summary JSON Schema
// @Produce json
// @Success 200 {object} jsonschema.Schema
// @Router /schema [get]
func (h *Handler) Schema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(schemaDocument)
}

// Stats returns aggregate transfer counters.
//
// @Summary Transfer statistics
// @Produce json,plain,text/csv
// @Param format query string false "table, json, or csv"
// @Success 200 {string} string "rendered statistics"
// @Router /stats [get]
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	format := parseFormat(r)
	body, err := h.svc.Stats(format)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRendered(w, format, body)
}
