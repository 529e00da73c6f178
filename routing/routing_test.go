package routing

import (
	"crypto/sha1"
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeDefault(t *testing.T) {
	p, err := Compute(DefaultConfig())
	require.NoError(t, err)

	require.Equal(t, "281474976710656", p.SpaceSize.String())
	require.Equal(t, "70368744177664", p.BigBinSpaceSize.String())
	require.Equal(t, 3, p.SmallBins)
	require.Equal(t, 3, p.SmallBinNodeSize)
	require.Equal(t, 8, p.BigBinNodeSize)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"space_size": 281474976710656,
		"bigbin_spacesize": 70368744177664,
		"number_of_smallbins": 3,
		"smallbin_nodesize": 3,
		"bigbin_nodesize": 8
	}`, string(data))
}

func TestComputeBounds(t *testing.T) {
	for _, bits := range []int{0, 1, 8, 48, 64, 160} {
		zero, err := Compute(Config{BigBinPercent: 0, NBits: bits})
		require.NoError(t, err)
		require.Zero(t, zero.BigBinSpaceSize.Sign(), "bits %d", bits)

		full, err := Compute(Config{BigBinPercent: 100, NBits: bits})
		require.NoError(t, err)
		require.Zero(t, full.BigBinSpaceSize.Cmp(full.SpaceSize), "bits %d", bits)
	}
}

func TestComputeNeverExceedsSpace(t *testing.T) {
	for pct := 0.0; pct <= 100; pct += 0.37 {
		for _, bits := range []int{1, 2, 3, 7, 48} {
			p, err := Compute(Config{BigBinPercent: pct, NBits: bits})
			require.NoError(t, err)
			require.True(t, p.BigBinSpaceSize.Sign() >= 0)
			require.True(t, p.BigBinSpaceSize.Cmp(p.SpaceSize) <= 0, "pct %v bits %d", pct, bits)
		}
	}
}

func TestComputeNBitsVariant(t *testing.T) {
	p, err := Compute(Config{BigBinPercent: 50, NBits: 160})
	require.NoError(t, err)

	want := new(big.Int).Lsh(big.NewInt(1), 160)
	require.Zero(t, p.SpaceSize.Cmp(want))
	require.Zero(t, p.BigBinSpaceSize.Cmp(new(big.Int).Rsh(want, 1)))
}

// Above 53 bits the exact product and a float64 product part ways.
func TestComputeLargeSpaceIsExact(t *testing.T) {
	p, err := Compute(Config{BigBinPercent: 10, NBits: 160})
	require.NoError(t, err)

	exact, ok := new(big.Int).SetString("146150163733090291820368483271628301965593254298", 10)
	require.True(t, ok)
	require.Zero(t, p.BigBinSpaceSize.Cmp(exact), "got %s", p.BigBinSpaceSize)

	f, _ := new(big.Float).SetInt(p.SpaceSize).Float64()
	viaFloat, _ := big.NewFloat(0.1 * f).Int(nil)
	require.Equal(t, "146150163733090299933332324732296471544493768704", viaFloat.String())
	require.NotZero(t, p.BigBinSpaceSize.Cmp(viaFloat))
}

// Ties go to the even neighbour.
func TestComputeRoundsHalfToEven(t *testing.T) {
	cases := []struct {
		pct  float64
		bits int
		want int64
	}{
		{12.5, 2, 0},            // 0.5 -> 0
		{37.5, 2, 2},            // 1.5 -> 2
		{62.5, 2, 2},            // 2.5 -> 2
		{87.5, 2, 4},            // 3.5 -> 4
		{25, 1, 0},              // 0.5 -> 0
		{75, 1, 2},              // 1.5 -> 2
		{30, 2, 1},              // 1.2 -> 1
		{40, 2, 2},              // 1.6 -> 2
		{33.3, 3, 3},            // 2.664 -> 3
		{0.01, 48, 28147497671}, // 28147497671.0656
	}

	for _, tc := range cases {
		p, err := Compute(Config{BigBinPercent: tc.pct, NBits: tc.bits})
		require.NoError(t, err)
		require.Equal(t, tc.want, p.BigBinSpaceSize.Int64(), "pct %v bits %d", tc.pct, tc.bits)
	}
}

func TestComputeInvalid(t *testing.T) {
	cases := []Config{
		{BigBinPercent: -0.1},
		{BigBinPercent: 100.1},
		{BigBinPercent: math.NaN()},
		{BigBinPercent: math.Inf(1)},
		{BigBinPercent: 25, SmallBins: -1},
		{BigBinPercent: 25, BigBinMaxNodes: -1},
		{BigBinPercent: 25, SmallBinMaxNodes: -1},
		{BigBinPercent: 25, NBits: -8},
		{BigBinPercent: 25, NBits: MaxBits + 1},
	}

	for _, cfg := range cases {
		_, err := Compute(cfg)
		require.ErrorIs(t, err, ErrInvalidConfig, "config %+v", cfg)
	}
}

func TestComputeIsPure(t *testing.T) {
	cfg := DefaultConfig()
	first, err := cfg.Partition()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := Compute(cfg)
			if err != nil {
				t.Error(err)
				return
			}
			if p.BigBinSpaceSize.Cmp(first.BigBinSpaceSize) != 0 || p.SpaceSize.Cmp(first.SpaceSize) != 0 {
				t.Errorf("got %+v, want %+v", p, first)
			}
		}()
	}
	wg.Wait()

	// mutating one result does not leak into the next
	first.SpaceSize.SetInt64(0)
	again, err := Compute(cfg)
	require.NoError(t, err)
	require.Equal(t, "281474976710656", again.SpaceSize.String())
}

func TestSmallBinSpaceSize(t *testing.T) {
	p, err := Compute(DefaultConfig())
	require.NoError(t, err)
	// (2^48 - 2^46) / 3 = 2^46
	require.Equal(t, "70368744177664", p.SmallBinSpaceSize().String())

	p, err = Compute(Config{BigBinPercent: 25})
	require.NoError(t, err)
	require.Zero(t, p.SmallBinSpaceSize().Sign())
}

func TestNodeID(t *testing.T) {
	id := NewNodeID(42)

	sum := sha1.Sum([]byte(strconv.Itoa(42)))
	require.Equal(t, sum[:KeySizeBytes], id[:])
	require.Len(t, id.Base64(), 8)
	require.Less(t, id.Uint64(), uint64(1)<<DefaultBits)

	parsed, err := ParseNodeID(id.Base64())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	require.Equal(t, id, NewNodeID(42))
	require.NotEqual(t, id, NewNodeID(43))

	_, err = ParseNodeID("AAAA")
	require.Error(t, err)
	_, err = ParseNodeID("not base64!")
	require.Error(t, err)
}

func TestNodeIDDistance(t *testing.T) {
	a, b := NewNodeID(1), NewNodeID(2)
	require.Equal(t, NodeID{}, a.Distance(a))
	require.Equal(t, a.Distance(b), b.Distance(a))
	require.Equal(t, a.Uint64()^b.Uint64(), a.Distance(b).Uint64())
}
