//nolint:dupl
package db

import (
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/russross/meddler"
)

// PaddedWidth is the decimal digit width of 2^256-1, used to left-pad
// stored balance and value columns so lexicographic ordering matches
// numeric ordering.
const PaddedWidth = 78

func init() {
	meddler.Register("u256", U256Meddler{})
}

// U256Meddler converts between *big.Int and a zero-padded 78-digit decimal
// string column.
type U256Meddler struct{}

func (U256Meddler) PreRead(fieldAddr interface{}) (scanTarget interface{}, err error) {
	return new(sql.NullString), nil
}

func (U256Meddler) PostRead(fieldAddr, scanTarget interface{}) error {
	ns, ok := scanTarget.(*sql.NullString)
	if !ok {
		return fmt.Errorf("expected *sql.NullString, got %T", scanTarget)
	}

	ptr, ok := fieldAddr.(**big.Int)
	if !ok {
		return fmt.Errorf("expected **big.Int, got %T", fieldAddr)
	}

	if !ns.Valid {
		*ptr = new(big.Int)
		return nil
	}

	*ptr = ParsePadded(ns.String)
	return nil
}

func (U256Meddler) PreWrite(field interface{}) (saveValue interface{}, err error) {
	v, ok := field.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("expected *big.Int, got %T", field)
	}
	if v == nil {
		v = new(big.Int)
	}
	return PadValue(v), nil
}

// PadValue renders v as a decimal string left-padded with zeros to
// PaddedWidth digits.
func PadValue(v *big.Int) string {
	return fmt.Sprintf("%0*s", PaddedWidth, v.String())
}

// ParsePadded parses a (possibly zero-padded) decimal string into a
// *big.Int. An empty string parses as zero.
func ParsePadded(s string) *big.Int {
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return new(big.Int)
	}
	n, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}
