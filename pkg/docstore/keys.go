package docstore

// Slog attribute key constants used by the docstore package.
const (
	keyCollection = "collection"
	keyID         = "id"
	keyRev        = "rev"
	keyDDoc       = "ddoc"
	keySelector   = "selector"
	keyCount      = "count"
	keyResult     = "result"
	keyError      = "error"
)
