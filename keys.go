package contentcache

// Slog attribute key constants used by the root package.
const (
	keyPath       = "path"
	keyMode       = "mode"
	keyCollection = "collection"
	keyError      = "error"
)
