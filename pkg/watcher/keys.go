package watcher

// Slog attribute key constants used by the watcher package.
const (
	keyScope   = "scope"
	keyFilters = "filters"
	keyChunk   = "chunk"
	keyCount   = "count"
	keyAction  = "action"
	keyError   = "error"
)
