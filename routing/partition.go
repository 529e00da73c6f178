// Package routing computes the peer-table layout handed to a p2phun node when
// it is created.
//
// A node's routing table splits the key space it sees into bins:
//
//   - one big bin covering BigBinPercent of the space, holding up to
//     BigBinMaxNodes peers;
//   - SmallBins small bins sharing the rest, holding up to SmallBinMaxNodes
//     peers each.
//
// The node itself does the bucketing; the client only sends the sizes, as the
// routingtable_cfg argument of create_node.
package routing

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

const (
	// KeySizeBytes is the length of a node id digest.
	KeySizeBytes = 6
	// DefaultBits is the size of the canonical key space: 2**48 ids.
	DefaultBits = KeySizeBytes * 8
	// MaxBits bounds the configurable key space.
	MaxBits = 512
)

// ErrInvalidConfig is returned by Compute for out-of-range parameters.
var ErrInvalidConfig = errors.New("routing: invalid routing table config")

// Config holds the routing-table parameters.
type Config struct {
	BigBinPercent    float64 // share of the key space given to the big bin, 0..100
	SmallBins        int     // number of small bins
	BigBinMaxNodes   int     // capacity of the big bin
	SmallBinMaxNodes int     // capacity of each small bin
	// NBits selects the key space. Zero means the canonical 48-bit space that
	// matches node id digests; anything else means 2**NBits ids.
	NBits int
}

// DefaultConfig returns the configuration p2phun nodes are usually started with.
func DefaultConfig() Config {
	return Config{
		BigBinPercent:    25,
		SmallBins:        3,
		BigBinMaxNodes:   8,
		SmallBinMaxNodes: 3,
	}
}

// Partition is the routing-table layout sent to the node.
type Partition struct {
	SpaceSize        *big.Int `json:"space_size"`
	BigBinSpaceSize  *big.Int `json:"bigbin_spacesize"`
	SmallBins        int      `json:"number_of_smallbins"`
	SmallBinNodeSize int      `json:"smallbin_nodesize"`
	BigBinNodeSize   int      `json:"bigbin_nodesize"`
}

// Validate checks every parameter range.
func (c Config) Validate() error {
	switch {
	case math.IsNaN(c.BigBinPercent) || c.BigBinPercent < 0 || c.BigBinPercent > 100:
		return fmt.Errorf("%w: bigbin percent %v not in [0,100]", ErrInvalidConfig, c.BigBinPercent)
	case c.SmallBins < 0:
		return fmt.Errorf("%w: negative number of small bins %d", ErrInvalidConfig, c.SmallBins)
	case c.BigBinMaxNodes < 0:
		return fmt.Errorf("%w: negative bigbin capacity %d", ErrInvalidConfig, c.BigBinMaxNodes)
	case c.SmallBinMaxNodes < 0:
		return fmt.Errorf("%w: negative smallbin capacity %d", ErrInvalidConfig, c.SmallBinMaxNodes)
	case c.NBits < 0 || c.NBits > MaxBits:
		return fmt.Errorf("%w: key space of %d bits not in [1,%d]", ErrInvalidConfig, c.NBits, MaxBits)
	}
	return nil
}

// SpaceSize returns the number of ids in the configured key space.
func (c Config) SpaceSize() *big.Int {
	bits := c.NBits
	if bits == 0 {
		bits = DefaultBits
	}
	return new(big.Int).Lsh(big.NewInt(1), uint(bits))
}

// Compute derives the partition for cfg.
//
// The big bin gets round(BigBinPercent/100 * SpaceSize) ids. The product is
// computed exactly and ties are rounded half to even, so 12.5% of 4 ids is 0
// and 37.5% of 4 ids is 2. The percent itself is used at its exact float64 value.
//
// A peer that does this product in float64 agrees only while the space fits in
// the 53-bit mantissa. Past that its result is the nearest float64, off from
// this one by up to SpaceSize/2^53: 10% of a 2^160 space is
// 146150163733090291820368483271628301965593254298 here and
// 146150163733090299933332324732296471544493768704 in float64.
func Compute(cfg Config) (Partition, error) {
	if err := cfg.Validate(); err != nil {
		return Partition{}, err
	}

	space := cfg.SpaceSize()
	share := new(big.Rat).SetFloat64(cfg.BigBinPercent)
	share.Mul(share, new(big.Rat).SetInt(space))
	share.Quo(share, big.NewRat(100, 1))

	return Partition{
		SpaceSize:        space,
		BigBinSpaceSize:  roundHalfEven(share),
		SmallBins:        cfg.SmallBins,
		SmallBinNodeSize: cfg.SmallBinMaxNodes,
		BigBinNodeSize:   cfg.BigBinMaxNodes,
	}, nil
}

// Partition is shorthand for Compute(c).
func (c Config) Partition() (Partition, error) {
	return Compute(c)
}

// SmallBinSpaceSize returns how many ids each small bin covers, rounding down.
// It is zero when there are no small bins.
func (p Partition) SmallBinSpaceSize() *big.Int {
	if p.SmallBins == 0 || p.SpaceSize == nil || p.BigBinSpaceSize == nil {
		return new(big.Int)
	}
	rest := new(big.Int).Sub(p.SpaceSize, p.BigBinSpaceSize)
	return rest.Quo(rest, big.NewInt(int64(p.SmallBins)))
}

// roundHalfEven rounds a non-negative rational to the nearest integer, ties to even.
func roundHalfEven(r *big.Rat) *big.Int {
	q, m := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	// compare twice the remainder with the denominator
	switch new(big.Int).Lsh(m, 1).Cmp(r.Denom()) {
	case 1:
		q.Add(q, big.NewInt(1))
	case 0:
		if q.Bit(0) == 1 {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}
