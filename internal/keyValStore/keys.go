package keyValStore

// Slog attribute key constants used by the key value store.
const (
	keyPath       = "path"
	keyTotalGB    = "totalGB"
	keyUsedGB     = "usedGB"
	keyFreeGB     = "freeGB"
	keyUsedPct    = "usedPercent"
	keyDBSizeGB   = "dbSizeGB"
	keyReadsPerS  = "readsPerSecond"
	keyWritesPerS = "writesPerSecond"
	keyRetries    = "retries"
	keyPrefix     = "prefix"
	keyError      = "error"
)
