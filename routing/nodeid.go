package routing

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
)

// NodeID is a node's position in the 48-bit key space.
type NodeID [KeySizeBytes]byte

// NewNodeID maps a node number to its id: the first KeySizeBytes bytes of the
// SHA-1 digest of the number's decimal form.
func NewNodeID(num uint64) NodeID {
	sum := sha1.Sum([]byte(strconv.FormatUint(num, 10)))
	var id NodeID
	copy(id[:], sum[:KeySizeBytes])
	return id
}

// ParseNodeID decodes the base64 form produced by Base64.
func ParseNodeID(s string) (NodeID, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("routing: invalid node id %q: %w", s, err)
	}
	if len(raw) != KeySizeBytes {
		return NodeID{}, fmt.Errorf("routing: invalid node id length: got %d want %d", len(raw), KeySizeBytes)
	}
	var id NodeID
	copy(id[:], raw)
	return id, nil
}

// Base64 is the textual form the management service uses for ids.
func (id NodeID) Base64() string {
	return base64.StdEncoding.EncodeToString(id[:])
}

// Uint64 returns the id as an integer in [0, 2**48).
func (id NodeID) Uint64() uint64 {
	var buf [8]byte
	copy(buf[8-KeySizeBytes:], id[:])
	return binary.BigEndian.Uint64(buf[:])
}

// Distance is the XOR metric between two ids.
func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

func (id NodeID) String() string {
	return id.Base64()
}
