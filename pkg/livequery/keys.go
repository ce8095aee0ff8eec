package livequery

// Slog attribute key constants used by the livequery package.
const (
	keyQuery = "query"
	keyCount = "count"
	keyID    = "id"
)
