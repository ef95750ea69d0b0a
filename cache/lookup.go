package cache

// Kind classifies the outcome of a non-loading lookup.
type Kind uint8

const (
	// Hit: the value is stored.
	Hit Kind = iota
	// Miss: the value is absent; a load may produce it.
	Miss
	// Unavailable: the key can never exist in this backend.
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Lookup is the result of AsyncCache.Lookup. Value is set only for Hit.
type Lookup[V any] struct {
	Kind  Kind
	Value V
}
