package dataset

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"regexp"
)

// Codec turns a shard's elements into bytes and back. Name becomes part of
// the shard file name, so it must be a short alphanumeric tag.
type Codec[T any] interface {
	Name() string
	Marshal(elems []T) ([]byte, error)
	Unmarshal(b []byte) ([]T, error)
}

var codecName = regexp.MustCompile(`^[A-Za-z0-9]+$`)

func checkCodec[T any](c Codec[T]) error {
	if !codecName.MatchString(c.Name()) {
		return fmt.Errorf("dataset: codec name %q must be alphanumeric", c.Name())
	}
	return nil
}

// GobCodec encodes shards with encoding/gob. It is the default.
type GobCodec[T any] struct{}

// gobShard wraps the slice so empty shards round-trip as a value.
type gobShard[T any] struct {
	Elems []T
}

func (GobCodec[T]) Name() string { return "gob" }

func (GobCodec[T]) Marshal(elems []T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobShard[T]{Elems: elems}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec[T]) Unmarshal(b []byte) ([]T, error) {
	var s gobShard[T]
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return nil, err
	}
	return s.Elems, nil
}

// JSONCodec encodes shards as a JSON array; handy when other tools need to
// read the shard files.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Name() string { return "json" }

func (JSONCodec[T]) Marshal(elems []T) ([]byte, error) {
	if elems == nil {
		elems = []T{}
	}
	return json.Marshal(elems)
}

func (JSONCodec[T]) Unmarshal(b []byte) ([]T, error) {
	var out []T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
