// Package codec converts call descriptors to wire bytes and locates message
// boundaries in a stream of back-to-back JSON values.
//
// The p2phun management service frames nothing: requests and replies are plain
// JSON values written one after another on the TCP stream. The end of a message
// is wherever its grammar says it ends, so the receiver has to decode a prefix of
// what it buffered and keep the rest for the next message.
//
//	stream:  {"mod":"a","fun":"b","args":[]}42 [1,2]{"ok":tr
//	         └──────────── msg 1 ─────────┘└2┘└─3─┘└─ incomplete ─┘
package codec

// Codec is the interface for message serialization.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Default is the codec used on the wire.
var Default Codec = JSONCodec{}

// Encode serializes v with the wire codec.
func Encode(v any) ([]byte, error) {
	return Default.Encode(v)
}

// Decode deserializes one complete message with the wire codec.
func Decode(data []byte, v any) error {
	return Default.Decode(data, v)
}
