// Package api exposes a read-only HTTP surface over the indexed transfer
// and balance data for a single tracked ERC-20 contract.
//
// @title ERC-20 Indexer API
// @version 1.0
// @description Read-only REST API for querying indexed ERC-20 Transfer events, balances, and top holders.
// @basePath /api/v1
// @schemes http
package api
