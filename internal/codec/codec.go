package codec

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// Default is the codec used for payloads, snapshot state and KV entries.
var Default Codec = JSONCodec{}

func Marshal(v any) ([]byte, error)   { return Default.Marshal(v) }
func Unmarshal(b []byte, v any) error { return Default.Unmarshal(b, v) }
