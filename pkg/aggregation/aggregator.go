package aggregation

import (
	"errors"
	"fmt"

	"github.com/i5heu/contentcache/pkg/livequery"
	"github.com/i5heu/contentcache/pkg/model"
)

// ErrMissingKey is returned when neither the document nor its id yields
// an ordering key. For a removal the entry can only be absent already; for
// every other action it means the map no longer mirrors the query.
var ErrMissingKey = errors.New("aggregation: ordering key missing")

// KeyFunc derives the ordering key of a document.
type KeyFunc func(doc model.Document) (int64, error)

// FieldKey reads the ordering key from field. A missing field is
// ErrMissingKey, a malformed one a model.KeyFormatError.
func FieldKey(field string) KeyFunc {
	return func(doc model.Document) (int64, error) {
		v, ok := doc.Get(field)
		if !ok || v == nil {
			return 0, fmt.Errorf("%w: %q of %q", ErrMissingKey, field, doc.ID())
		}
		key, err := model.ParseKey(v)
		if err != nil {
			return 0, fmt.Errorf("aggregation: %q of %q: %w", field, doc.ID(), err)
		}
		return key, nil
	}
}

// Aggregator folds the events of one live query into Map.
type Aggregator struct {
	Map *UpdateMap
	Key KeyFunc
}

func NewAggregator(key KeyFunc) *Aggregator {
	return &Aggregator{Map: NewUpdateMap(), Key: key}
}

// Fold applies ev. Initial and Add/Update upsert by key, Remove deletes.
// A Remove whose document lacks the key falls back to the numeric suffix
// of its id.
func (a *Aggregator) Fold(ev livequery.Event) error {
	switch ev.Action {
	case livequery.Initial:
		for _, doc := range ev.InitialMatches {
			if err := a.upsert(doc); err != nil {
				return err
			}
		}
	case livequery.Add, livequery.Update:
		return a.upsert(ev.Doc)
	case livequery.Remove:
		key, err := a.removalKey(ev.Doc)
		if err != nil {
			return err
		}
		a.Map.Delete(key)
	default:
		return fmt.Errorf("aggregation: unknown action %q", ev.Action)
	}
	return nil
}

func (a *Aggregator) upsert(doc model.Document) error {
	key, err := a.Key(doc)
	if err != nil {
		return err
	}
	a.Map.Upsert(key, doc)
	return nil
}

func (a *Aggregator) removalKey(doc model.Document) (int64, error) {
	key, err := a.Key(doc)
	if err == nil || !errors.Is(err, ErrMissingKey) {
		return key, err
	}
	key, idErr := model.KeyFromID(doc.ID())
	if idErr != nil {
		return 0, fmt.Errorf("%w: no key in %q", ErrMissingKey, doc.ID())
	}
	return key, nil
}
