package query

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ethindex/erc20indexer/internal/store"
	"github.com/olekukonko/tablewriter"
)

// OutputFormat selects how query results are rendered on the CLI.
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatCSV   OutputFormat = "csv"
)

// ParseOutputFormat maps a --format flag value to an OutputFormat,
// defaulting to FormatTable for anything unrecognized.
func ParseOutputFormat(s string) OutputFormat {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "csv":
		return FormatCSV
	default:
		return FormatTable
	}
}

func newTable(header []string) (*tablewriter.Table, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	table := tablewriter.NewWriter(buf)
	table.SetHeader(header)
	return table, buf
}

func decimalsOrDefault(decimals *uint8) uint8 {
	if decimals == nil {
		return 18
	}
	return *decimals
}

func truncatedHash(hex string) string {
	if len(hex) <= 12 {
		return hex
	}
	return hex[:8] + "..." + hex[len(hex)-4:]
}

// FormatTransfers renders a list of transfers. decimals is nil when the
// token's decimals are unknown; values then render as if the token had 18
// decimals.
func FormatTransfers(transfers []*store.Transfer, decimals *uint8, format OutputFormat) string {
	d := decimalsOrDefault(decimals)

	switch format {
	case FormatJSON:
		type row struct {
			BlockNumber uint64 `json:"block_number"`
			TxHash      string `json:"transaction_hash"`
			LogIndex    uint   `json:"log_index"`
			From        string `json:"from"`
			To          string `json:"to"`
			Value       string `json:"value"`
			ValueWei    string `json:"value_wei"`
		}
		rows := make([]row, 0, len(transfers))
		for _, t := range transfers {
			rows = append(rows, row{
				BlockNumber: t.BlockNumber,
				TxHash:      t.TxHash.Hex(),
				LogIndex:    t.LogIndex,
				From:        t.From.Hex(),
				To:          t.To.Hex(),
				Value:       FormatUnits(t.Value, d),
				ValueWei:    t.Value.String(),
			})
		}
		out, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return "[]"
		}
		return string(out)

	case FormatCSV:
		buf := &bytes.Buffer{}
		w := csv.NewWriter(buf)
		_ = w.Write([]string{"block_number", "from", "to", "value", "value_wei", "transaction_hash", "log_index"})
		for _, t := range transfers {
			_ = w.Write([]string{
				strconv.FormatUint(t.BlockNumber, 10),
				t.From.Hex(), t.To.Hex(),
				FormatUnits(t.Value, d), t.Value.String(),
				t.TxHash.Hex(), strconv.FormatUint(uint64(t.LogIndex), 10),
			})
		}
		w.Flush()
		return buf.String()

	default:
		if len(transfers) == 0 {
			return "No transfers found."
		}
		table, buf := newTable([]string{"Block", "From", "To", "Value", "Value (Wei)", "Tx Hash"})
		for _, t := range transfers {
			table.Append([]string{
				strconv.FormatUint(t.BlockNumber, 10),
				t.From.Hex(), t.To.Hex(),
				FormatUnits(t.Value, d), t.Value.String(),
				truncatedHash(t.TxHash.Hex()),
			})
		}
		table.Render()
		return buf.String()
	}
}

// BalanceInfo is a single address's current balance plus its lifetime
// incoming/outgoing totals.
type BalanceInfo struct {
	Balance       string
	TotalIncoming string
	TotalOutgoing string
}

// FormatBalance renders balance info for a single address.
func FormatBalance(balance, incoming, outgoing string, format OutputFormat) string {
	switch format {
	case FormatJSON:
		out, err := json.MarshalIndent(map[string]string{
			"balance":        balance,
			"total_incoming": incoming,
			"total_outgoing": outgoing,
		}, "", "  ")
		if err != nil {
			return "{}"
		}
		return string(out)

	case FormatCSV:
		buf := &bytes.Buffer{}
		w := csv.NewWriter(buf)
		_ = w.Write([]string{"metric", "value"})
		_ = w.Write([]string{"balance", balance})
		_ = w.Write([]string{"total_incoming", incoming})
		_ = w.Write([]string{"total_outgoing", outgoing})
		w.Flush()
		return buf.String()

	default:
		table, buf := newTable([]string{"Metric", "Value"})
		table.Append([]string{"Balance", balance})
		table.Append([]string{"Total Incoming", incoming})
		table.Append([]string{"Total Outgoing", outgoing})
		table.Render()
		return buf.String()
	}
}

// FormatTopHolders renders a ranked list of top balances.
func FormatTopHolders(balances []*store.Balance, decimals *uint8, format OutputFormat) string {
	d := decimalsOrDefault(decimals)

	switch format {
	case FormatJSON:
		type row struct {
			Rank       int    `json:"rank"`
			Address    string `json:"address"`
			Balance    string `json:"balance"`
			BalanceWei string `json:"balance_wei"`
		}
		rows := make([]row, 0, len(balances))
		for i, b := range balances {
			rows = append(rows, row{Rank: i + 1, Address: b.Address.Hex(), Balance: FormatUnits(b.BalancePadded, d), BalanceWei: b.BalancePadded.String()})
		}
		out, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return "[]"
		}
		return string(out)

	case FormatCSV:
		buf := &bytes.Buffer{}
		w := csv.NewWriter(buf)
		_ = w.Write([]string{"rank", "address", "balance", "balance_wei"})
		for i, b := range balances {
			_ = w.Write([]string{strconv.Itoa(i + 1), b.Address.Hex(), FormatUnits(b.BalancePadded, d), b.BalancePadded.String()})
		}
		w.Flush()
		return buf.String()

	default:
		if len(balances) == 0 {
			return "No holders found."
		}
		table, buf := newTable([]string{"Rank", "Address", "Balance", "Balance (Wei)"})
		for i, b := range balances {
			table.Append([]string{strconv.Itoa(i + 1), b.Address.Hex(), FormatUnits(b.BalancePadded, d), b.BalancePadded.String()})
		}
		table.Render()
		return buf.String()
	}
}

// FormatStats renders aggregate transfer counters.
func FormatStats(stats *store.TransferStats, format OutputFormat) string {
	earliest, latest := "N/A", "N/A"
	if stats.EarliestBlock.Valid {
		earliest = strconv.FormatInt(stats.EarliestBlock.Int64, 10)
	}
	if stats.LatestBlock.Valid {
		latest = strconv.FormatInt(stats.LatestBlock.Int64, 10)
	}

	switch format {
	case FormatJSON:
		out, err := json.MarshalIndent(map[string]any{
			"total_transfers":  stats.TotalTransfers,
			"unique_addresses": stats.UniqueAddresses,
			"earliest_block":   earliest,
			"latest_block":     latest,
		}, "", "  ")
		if err != nil {
			return "{}"
		}
		return string(out)

	case FormatCSV:
		buf := &bytes.Buffer{}
		w := csv.NewWriter(buf)
		_ = w.Write([]string{"metric", "value"})
		_ = w.Write([]string{"total_transfers", strconv.FormatInt(stats.TotalTransfers, 10)})
		_ = w.Write([]string{"unique_addresses", strconv.FormatInt(stats.UniqueAddresses, 10)})
		_ = w.Write([]string{"earliest_block", earliest})
		_ = w.Write([]string{"latest_block", latest})
		w.Flush()
		return buf.String()

	default:
		table, buf := newTable([]string{"Metric", "Value"})
		table.Append([]string{"Total Transfers", strconv.FormatInt(stats.TotalTransfers, 10)})
		table.Append([]string{"Unique Addresses", strconv.FormatInt(stats.UniqueAddresses, 10)})
		table.Append([]string{"Earliest Block", earliest})
		table.Append([]string{"Latest Block", latest})
		table.Render()
		return buf.String()
	}
}
