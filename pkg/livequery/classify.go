package livequery

import (
	"github.com/i5heu/contentcache/pkg/changefeed"
	"github.com/i5heu/contentcache/pkg/model"
	"github.com/i5heu/contentcache/pkg/selector"
)

// Action tells a consumer how an event changes the matching set.
type Action string

const (
	// Initial carries every document matching a newly active query.
	Initial Action = "INITIAL"
	// Add is a document that joined the matching set.
	Add Action = "ADD"
	// Update is a tracked document that changed and still matches.
	Update Action = "UPDATE"
	// Remove is a tracked document that stopped matching or was deleted.
	// Doc holds its last known body.
	Remove Action = "REMOVE"
)

// Event is one step of a live query.
type Event struct {
	Action Action
	// Query is the query the event was classified against.
	Query selector.Query
	// Doc is set for Add, Update and Remove.
	Doc model.Document
	// InitialMatches is set for Initial.
	InitialMatches []model.Document
}

// Tracked is the set of ids believed to match the active query.
type Tracked map[string]struct{}

// NewTracked seeds a set from query results.
func NewTracked(docs []model.Document) Tracked {
	t := make(Tracked, len(docs))
	for _, d := range docs {
		t[d.ID()] = struct{}{}
	}
	return t
}

func (t Tracked) Has(id string) bool {
	_, ok := t[id]
	return ok
}

// Apply records the effect of ev on the set.
func (t Tracked) Apply(ev Event) {
	switch ev.Action {
	case Initial:
		for id := range t {
			delete(t, id)
		}
		for _, d := range ev.InitialMatches {
			t[d.ID()] = struct{}{}
		}
	case Add:
		t[ev.Doc.ID()] = struct{}{}
	case Remove:
		delete(t, ev.Doc.ID())
	}
}

// Classify derives the event a change causes for q given the tracked set.
// It returns false when the change is irrelevant: the document neither
// matched before nor matches now, or the change carries no body.
// Classify does not modify tracked.
func Classify(tracked Tracked, q selector.Query, change changefeed.Change) (Event, bool) {
	if change.Doc == nil {
		return Event{}, false
	}
	id := change.ID
	if id == "" {
		id = change.Doc.ID()
	}
	wasTracked := tracked.Has(id)
	matches := !change.Deleted && q.Selector.Matches(change.Doc)

	var action Action
	switch {
	case wasTracked && matches:
		action = Update
	case wasTracked:
		action = Remove
	case matches:
		action = Add
	default:
		return Event{}, false
	}
	return Event{Action: action, Query: q, Doc: change.Doc}, true
}
