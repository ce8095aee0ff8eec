package loader

// Slog attribute key constants used by the loader package.
const (
	keyScope    = "scope"
	keyItems    = "items"
	keyUpdated  = "updated"
	keyTotal    = "totalMatches"
	keyInterval = "interval"
	keyError    = "error"
)
