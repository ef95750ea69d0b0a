package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// MetadataVersion is the schema tag written to new datasets.
const MetadataVersion = 1

// Metadata is persisted once per dataset directory as metadata.json.
//
// MaxShardLength, Compression and Version must agree between every writer
// sharing a directory. Once LengthFinal is true, Length never changes.
type Metadata struct {
	MaxShardLength int64           `json:"max_shard_length"`
	Length         int64           `json:"length"`
	LengthFinal    bool            `json:"length_final"`
	Compression    *string         `json:"compression"`
	Version        int             `json:"version"`
	Info           json.RawMessage `json:"info"`
}

// CompressionName returns the codec identifier, or "" for none.
func (m Metadata) CompressionName() string {
	if m.Compression == nil {
		return ""
	}
	return *m.Compression
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Compression != nil {
		c := *m.Compression
		out.Compression = &c
	}
	if m.Info != nil {
		out.Info = append(json.RawMessage(nil), m.Info...)
	}
	return out
}

// validate checks the invariants every persisted Metadata must satisfy.
func (m Metadata) validate() error {
	if m.MaxShardLength <= 0 {
		return fmt.Errorf("%w: max_shard_length must be > 0, got %d", ErrInvalidMetadata, m.MaxShardLength)
	}
	if m.Length < 0 {
		return fmt.Errorf("%w: length must be >= 0, got %d", ErrInvalidMetadata, m.Length)
	}
	if m.Version <= 0 {
		return fmt.Errorf("%w: version must be > 0, got %d", ErrInvalidMetadata, m.Version)
	}
	if _, err := lookupCompression(m.CompressionName()); err != nil {
		return err
	}
	if len(m.Info) > 0 && !json.Valid(m.Info) {
		return fmt.Errorf("%w: info is not valid JSON", ErrInvalidMetadata)
	}
	return nil
}

// compatible reports an ErrIncompatible error if next changes a field that
// is fixed for the lifetime of a directory.
func (m Metadata) compatible(next Metadata) error {
	if next.MaxShardLength != m.MaxShardLength {
		return fmt.Errorf("%w: max_shard_length is %d, requested %d", ErrIncompatible, m.MaxShardLength, next.MaxShardLength)
	}
	if next.CompressionName() != m.CompressionName() {
		return fmt.Errorf("%w: compression is %q, requested %q", ErrIncompatible, m.CompressionName(), next.CompressionName())
	}
	if next.Version != m.Version {
		return fmt.Errorf("%w: version is %d, requested %d", ErrIncompatible, m.Version, next.Version)
	}
	if m.LengthFinal && (!next.LengthFinal || next.Length != m.Length) {
		return fmt.Errorf("%w: length is final at %d", ErrIncompatible, m.Length)
	}
	return nil
}

// request is what an opener asks for; zero fields mean "inherit".
type request struct {
	maxShardLength int64
	length         int64
	lengthFinal    bool
	compression    string // "" inherit, "none" explicit none
	version        int
	info           json.RawMessage
}

func normalizeCompression(name string) *string {
	if name == "" || name == compressionNone {
		return nil
	}
	return &name
}

// merge combines the persisted metadata (nil if none) with a request.
// Fields the request leaves unset inherit the persisted value; a finalized
// persisted length always wins. The result is validated.
func merge(have *Metadata, req request) (Metadata, error) {
	if req.compression != "" {
		if _, err := lookupCompression(req.compression); err != nil {
			return Metadata{}, err
		}
	}

	if have == nil {
		m := Metadata{
			MaxShardLength: req.maxShardLength,
			Length:         req.length,
			LengthFinal:    req.lengthFinal,
			Compression:    normalizeCompression(req.compression),
			Version:        req.version,
			Info:           req.info,
		}
		if m.Version == 0 {
			m.Version = MetadataVersion
		}
		return m, m.validate()
	}

	if req.maxShardLength != 0 && req.maxShardLength != have.MaxShardLength {
		return Metadata{}, fmt.Errorf("%w: max_shard_length is %d, requested %d", ErrIncompatible, have.MaxShardLength, req.maxShardLength)
	}
	if req.compression != "" {
		want := ""
		if c := normalizeCompression(req.compression); c != nil {
			want = *c
		}
		if want != have.CompressionName() {
			return Metadata{}, fmt.Errorf("%w: compression is %q, requested %q", ErrIncompatible, have.CompressionName(), want)
		}
	}
	if req.version != 0 && req.version != have.Version {
		return Metadata{}, fmt.Errorf("%w: version is %d, requested %d", ErrIncompatible, have.Version, req.version)
	}

	m := have.clone()
	if req.info != nil {
		m.Info = req.info
	}
	if !m.LengthFinal {
		switch {
		case req.lengthFinal:
			m.Length, m.LengthFinal = req.length, true
		case req.length > m.Length:
			m.Length = req.length
		}
	}
	return m, m.validate()
}

// readMetadata returns nil, nil if the file does not exist.
func readMetadata(path string) (*Metadata, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dataset: read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidMetadata, path, err)
	}
	return &m, nil
}

func encodeMetadata(m Metadata) ([]byte, error) {
	if m.Info == nil {
		m.Info = json.RawMessage("null")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// setEntry assigns one top-level metadata.json field by its JSON name.
func (m *Metadata) setEntry(key string, value any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return err
	}
	if _, ok := obj[key]; !ok {
		return fmt.Errorf("%w: unknown metadata entry %q", ErrInvalidMetadata, key)
	}
	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("dataset: encode %s: %w", key, err)
	}
	obj[key] = v

	raw, err = json.Marshal(obj)
	if err != nil {
		return err
	}
	var next Metadata
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, key, err)
	}
	*m = next
	return nil
}
