// Package codec serializes cache entries for storage providers.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ByName resolves a codec from its configuration name.
// "" and "msgpack" select Msgpack.
func ByName[V any](name string) (Codec[V], error) {
	switch name {
	case "", "msgpack":
		return Msgpack[V]{}, nil
	case "json":
		return JSON[V]{}, nil
	case "cbor":
		return NewCBOR[V]()
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
