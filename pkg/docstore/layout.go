package docstore

import (
	"strconv"
	"strings"

	"github.com/i5heu/contentcache/pkg/selector"
)

// DesignPrefix marks internal ids: index definitions, index entries and
// the feed readiness marker. They never show up in query results or feeds.
const DesignPrefix = "_design/"

const (
	collectionKeyPrefix = "c:"
	sep                 = "\x00"
	feedSentinel        = "_feed"
)

// Storage keys:
//
//	c:{collection}\x00{id}                                  document
//	c:{collection}\x00_design/{ddoc}                        index definition
//	c:{collection}\x00_design/{ddoc}\x00{v1}\x00...{docID}  index entry
//	c:{collection}\x00_design/_feed                         feed marker

func collectionPrefix(collection string) []byte {
	return []byte(collectionKeyPrefix + collection + sep)
}

func docKey(collection, id string) []byte {
	return []byte(collectionKeyPrefix + collection + sep + id)
}

func designKey(collection, name string) []byte {
	return docKey(collection, DesignPrefix+name)
}

func designPrefix(collection string) []byte {
	return docKey(collection, DesignPrefix)
}

func indexEntryPrefix(collection, ddoc string, values []string) []byte {
	var b strings.Builder
	b.WriteString(collectionKeyPrefix + collection + sep + DesignPrefix + ddoc + sep)
	for _, v := range values {
		b.WriteString(v)
		b.WriteString(sep)
	}
	return []byte(b.String())
}

func indexEntryKey(collection, ddoc string, values []string, docID string) []byte {
	return append(indexEntryPrefix(collection, ddoc, values), docID...)
}

// IsDesignID reports whether id belongs to index maintenance.
func IsDesignID(id string) bool {
	return strings.HasPrefix(id, DesignPrefix)
}

// indexValue encodes a field value for an index key. Only scalars are
// indexable. The encoding is exact, not order preserving.
func indexValue(v any, present bool) (string, bool) {
	if !present {
		return "", false
	}
	switch t := v.(type) {
	case nil:
		return "z", true
	case bool:
		return "b" + strconv.FormatBool(t), true
	case string:
		if strings.Contains(t, sep) {
			return "", false
		}
		return "s" + t, true
	}
	if f, ok := selector.Number(v); ok {
		return "n" + strconv.FormatFloat(f, 'g', -1, 64), true
	}
	return "", false
}
