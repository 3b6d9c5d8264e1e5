package envelope

import (
	"io"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

// Marshal encodes v with the gateway's JSON codec.
func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// Unmarshal decodes data into v with the gateway's JSON codec.
func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

// Encode streams v to w as a single JSON document.
func Encode(w io.Writer, v any) error {
	return codec.NewEncoder(w).Encode(v)
}
