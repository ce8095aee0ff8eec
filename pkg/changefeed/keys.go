package changefeed

// Slog attribute key constants used by the changefeed package.
const (
	keyCollection   = "collection"
	keySubscription = "subscription"
	keyRefs         = "refs"
	keyError        = "error"
)
