// Package encoding is the on-disk codec for cached documents.
//
// Every stored value starts with one header byte. The high nibble is the
// format version, the low nibble carries flags:
//
//	0x10  live document, plain protobuf body
//	0x11  tombstone, plain body
//	0x12  live document, zstd compressed body
//	0x13  tombstone, zstd compressed body
//
// Bodies are deterministic protobuf encodings of a structpb.Struct, so
// two documents with equal content always encode to the same bytes.
// Strings and keys must be valid UTF-8; other documents are rejected with
// ErrInvalidUTF8.
package encoding

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/i5heu/contentcache/pkg/model"
)

const (
	headerVersionMask = 0xF0
	headerVersion1    = 0x10

	flagTombstone  = 0x01
	flagCompressed = 0x02
	knownFlags     = flagTombstone | flagCompressed

	// bodies below this size are never worth compressing
	compressThreshold = 512
)

var (
	ErrPayloadTooShort = errors.New("encoding: payload is empty")
	ErrInvalidHeader   = errors.New("encoding: invalid payload header")
	ErrInvalidUTF8     = errors.New("encoding: string is not valid UTF-8")
)

var marshalOpts = proto.MarshalOptions{Deterministic: true}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// EncodeDocument serializes doc behind a header byte. A tombstone keeps
// the body so that deletions can still be identified downstream.
func EncodeDocument(doc model.Document, tombstone bool) ([]byte, error) { // PHC
	body, err := CanonicalBytes(doc)
	if err != nil {
		return nil, err
	}

	header := byte(headerVersion1)
	if tombstone {
		header |= flagTombstone
	}

	if len(body) >= compressThreshold {
		enc, _, err := codecs()
		if err != nil {
			return nil, fmt.Errorf("encoding: zstd: %w", err)
		}
		compressed := enc.EncodeAll(body, make([]byte, 1, len(body)/2+1))
		if len(compressed)-1 < len(body) {
			compressed[0] = header | flagCompressed
			return compressed, nil
		}
	}

	return append([]byte{header}, body...), nil
}

// DecodeDocument parses a payload produced by EncodeDocument. Numbers come
// back as float64.
func DecodeDocument(payload []byte) (doc model.Document, tombstone bool, err error) { // PHC
	if len(payload) < 1 {
		return nil, false, ErrPayloadTooShort
	}
	header := payload[0]
	if header&headerVersionMask != headerVersion1 || header&^(headerVersionMask|knownFlags) != 0 {
		return nil, false, fmt.Errorf("%w: 0x%02x", ErrInvalidHeader, header)
	}

	body := payload[1:]
	if header&flagCompressed != 0 {
		_, dec, err := codecs()
		if err != nil {
			return nil, false, fmt.Errorf("encoding: zstd: %w", err)
		}
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, false, fmt.Errorf("encoding: decompress: %w", err)
		}
	}

	s := &structpb.Struct{}
	if err := proto.Unmarshal(body, s); err != nil {
		return nil, false, fmt.Errorf("encoding: unmarshal: %w", err)
	}
	return model.Document(s.AsMap()), header&flagTombstone != 0, nil
}

// IsTombstone reads only the header byte.
func IsTombstone(payload []byte) bool {
	return len(payload) > 0 && payload[0]&headerVersionMask == headerVersion1 && payload[0]&flagTombstone != 0
}

// CanonicalBytes is the deterministic body encoding of doc. Equal content
// yields equal bytes regardless of map iteration order or numeric Go types.
func CanonicalBytes(doc model.Document) ([]byte, error) {
	s, err := toStruct(doc)
	if err != nil {
		return nil, err
	}
	b, err := marshalOpts.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding: marshal: %w", err)
	}
	return b, nil
}

func toStruct(doc model.Document) (*structpb.Struct, error) {
	m := make(map[string]any, len(doc))
	for k, v := range doc {
		m[k] = normalize(v)
	}
	// the JSON fallback would silently replace broken bytes with U+FFFD
	if err := checkUTF8(m, ""); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err == nil {
		return s, nil
	}

	// values structpb does not know (structs, typed slices) go through JSON
	raw, jerr := json.Marshal(m)
	if jerr != nil {
		return nil, fmt.Errorf("encoding: unsupported document value: %w", err)
	}
	var generic map[string]any
	if jerr := json.Unmarshal(raw, &generic); jerr != nil {
		return nil, fmt.Errorf("encoding: unsupported document value: %w", err)
	}
	s, err = structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("encoding: unsupported document value: %w", err)
	}
	return s, nil
}

func checkUTF8(v any, path string) error {
	switch t := v.(type) {
	case string:
		if !utf8.ValidString(t) {
			return fmt.Errorf("%w at %q", ErrInvalidUTF8, path)
		}
	case map[string]any:
		for k, e := range t {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if !utf8.ValidString(k) {
				return fmt.Errorf("%w in key %q", ErrInvalidUTF8, p)
			}
			if err := checkUTF8(e, p); err != nil {
				return err
			}
		}
	case []any:
		for i, e := range t {
			if err := checkUTF8(e, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case model.Document:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case uint8:
		return uint64(t)
	case uint16:
		return uint64(t)
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}
