package common

// Component name constants used to scope loggers and metrics labels.
const (
	ComponentRPC         = "rpc"
	ComponentStore       = "store"
	ComponentInsertion   = "insertion-worker"
	ComponentScanner     = "forward-scanner"
	ComponentReconciler  = "finality-reconciler"
	ComponentBalance     = "balance-ledger"
	ComponentIndexer     = "indexer"
	ComponentAPI         = "api"
	ComponentMaintenance = "maintenance"
)

var AllComponents = map[string]struct{}{
	ComponentRPC:         {},
	ComponentStore:       {},
	ComponentInsertion:   {},
	ComponentScanner:     {},
	ComponentReconciler:  {},
	ComponentBalance:     {},
	ComponentIndexer:     {},
	ComponentAPI:         {},
	ComponentMaintenance: {},
}
