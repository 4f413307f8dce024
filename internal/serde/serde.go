// Package serde holds the JSON encoder and decoder used for every MQTT
// payload the bridge produces or consumes.
package serde

import (
	"sync"

	"github.com/ugorji/go/codec"
)

// resolver holds an encoder and decoder.
type resolver struct {
	jsonEncoder *codec.Encoder
	jsonDecoder *codec.Decoder
	jsonHandle  codec.JsonHandle

	jsonData []byte

	jsonMu sync.Mutex
}

var gencoder resolver

func init() {
	gencoder.jsonHandle = codec.JsonHandle{}
	gencoder.jsonHandle.TypeInfos = codec.NewTypeInfos([]string{"json"})
	gencoder.jsonData = make([]byte, 0, 4096)
	gencoder.jsonEncoder = codec.NewEncoderBytes(&gencoder.jsonData, &gencoder.jsonHandle)
	gencoder.jsonDecoder = codec.NewDecoderBytes(gencoder.jsonData, &gencoder.jsonHandle)
}

// MarshalJson encodes v as JSON. The returned slice is an independent copy.
func MarshalJson[T any](v T) ([]byte, error) {
	gencoder.jsonMu.Lock()
	defer gencoder.jsonMu.Unlock()

	gencoder.jsonEncoder.ResetBytes(&gencoder.jsonData)
	if err := gencoder.jsonEncoder.Encode(v); err != nil {
		return nil, err
	}

	out := make([]byte, len(gencoder.jsonData))
	copy(out, gencoder.jsonData)

	return out, nil
}

// UnmarshalJson decodes JSON data into marshalTo.
func UnmarshalJson[T any](data []byte, marshalTo *T) error {
	gencoder.jsonMu.Lock()
	defer gencoder.jsonMu.Unlock()

	gencoder.jsonDecoder.ResetBytes(data)

	return gencoder.jsonDecoder.Decode(marshalTo)
}
