package queue

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
)

// Codec converts payloads to and from request and response bodies.
type Codec[T any] interface {
	ContentType() string
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// JSONCodec encodes payloads as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) ContentType() string { return "application/json" }

func (JSONCodec[T]) Marshal(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode json: %w", err)
	}
	return data, nil
}

func (JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("codec: decode json: %w", err)
	}
	return v, nil
}

// XMLCodec encodes payloads as XML. T needs an XMLName or a type name that
// the origin accepts as root element.
type XMLCodec[T any] struct{}

func (XMLCodec[T]) ContentType() string { return "application/xml" }

func (XMLCodec[T]) Marshal(v T) ([]byte, error) {
	data, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode xml: %w", err)
	}
	return data, nil
}

func (XMLCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := xml.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("codec: decode xml: %w", err)
	}
	return v, nil
}
