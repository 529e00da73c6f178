package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec produces the compact canonical form sent to the management service:
// no indentation, no HTML escaping and no trailing newline.
type JSONCodec struct{}

func (c JSONCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder always terminates the value with '\n'
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Decode unmarshals exactly one JSON value. Numbers decoded into interface values
// are kept as json.Number so large key-space sizes survive without float rounding.
func (c JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("codec: trailing data after offset %d", dec.InputOffset())
	}
	return nil
}
