package serializer

import (
	"errors"
	"fmt"
)

var ErrInvalidSerializer = errors.New("serializer: invalid serializer type")

type SerializerType int

const (
	SERIALIZER_JSON SerializerType = iota
	SERIALIZER_YAML
)

// Serializer encodes entities of type E for storage.
type Serializer[E any] interface {
	Serialize(entity E) ([]byte, error)
	Deserialize(data []byte, e any) error
	Type() SerializerType
	Name() string
	Extension() string
}

// Returns the serializer for the provided type
func NewSerializer[E any](t SerializerType) (Serializer[E], error) {
	switch t {
	case SERIALIZER_JSON:
		return NewJSONSerializer[E](), nil
	case SERIALIZER_YAML:
		return NewYAMLSerializer[E](), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrInvalidSerializer, t)
}

// Parses a serializer type from its name
func ParseSerializerType(name string) (SerializerType, error) {
	switch name {
	case "json":
		return SERIALIZER_JSON, nil
	case "yaml", "yml":
		return SERIALIZER_YAML, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidSerializer, name)
}
