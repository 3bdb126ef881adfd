package tuple

import (
	"bytes"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPack_roundTrip(t *testing.T) {
	u := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	tests := []struct {
		name string
		in   Tuple
		hex  string
	}{
		{"nil", Tuple{nil}, "00"},
		{"empty string", Tuple{""}, "0200"},
		{"string", Tuple{"ab"}, "02616200"},
		{"string with zero", Tuple{"a\x00b"}, "026100ff6200"},
		{"bytes", Tuple{[]byte{1, 0, 2}}, "010100ff0200"},
		{"zero", Tuple{int64(0)}, "14"},
		{"one", Tuple{int64(1)}, "1501"},
		{"255", Tuple{int64(255)}, "15ff"},
		{"256", Tuple{int64(256)}, "160100"},
		{"minus one", Tuple{int64(-1)}, "13fe"},
		{"minus 256", Tuple{int64(-256)}, "12feff"},
		{"max int64", Tuple{int64(math.MaxInt64)}, "1c7fffffffffffffff"},
		{"min int64", Tuple{int64(math.MinInt64)}, "0c7fffffffffffffff"},
		{"max uint64", Tuple{uint64(math.MaxUint64)}, "1cffffffffffffffff"},
		{"float", Tuple{1.5}, "21bff8000000000000"},
		{"negative float", Tuple{-1.5}, "214007ffffffffffff"},
		{"bools", Tuple{false, true}, "2627"},
		{"uuid", Tuple{u}, "306ba7b8109dad11d180b400c04fd430c8"},
		{"nested", Tuple{Tuple{"a", nil}, int64(1)}, "0502610000ff001501"},
		{"composite", Tuple{"users", int64(42), true}, "02757365727300152a27"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := tt.in.Pack()
			assert.Equal(t, tt.hex, EncodeToString(packed))

			out, err := Unpack(packed)
			require.NoError(t, err)
			require.Equal(t, tt.in, out)
		})
	}
}

func TestPack_normalizesIntegerTypes(t *testing.T) {
	out, err := Unpack(Pack(int8(-3), uint16(7), 9, float32(0.5), []any{"x"}))
	require.NoError(t, err)
	require.Equal(t, Tuple{int64(-3), int64(7), int64(9), 0.5, Tuple{"x"}}, out)
}

func TestPack_unsupportedTypePanics(t *testing.T) {
	require.Panics(t, func() {
		Pack(struct{}{})
	})
}

func TestPack_prefixProperty(t *testing.T) {
	prefix := Tuple{"users", int64(5)}
	full := prefix.With("name", true)
	require.True(t, bytes.HasPrefix(full.Pack(), prefix.Pack()))
	require.True(t, full.HasPrefix(prefix))
	require.False(t, prefix.HasPrefix(full))
}

func TestPack_orderPreserving(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	tuples := make([]Tuple, 2000)
	for i := range tuples {
		tuples[i] = randomTuple(rnd, 0)
	}

	slices.SortFunc(tuples, Compare)
	for i := 1; i < len(tuples); i++ {
		a, b := tuples[i-1], tuples[i]
		pa, pb := a.Pack(), b.Pack()
		c := Compare(a, b)
		if c == 0 {
			require.Equal(t, pa, pb, "%v vs %v", a, b)
			continue
		}
		require.Negative(t, bytes.Compare(pa, pb), "%v should pack below %v", a, b)
	}

	for _, tup := range tuples {
		out, err := Unpack(tup.Pack())
		require.NoError(t, err)
		require.True(t, Equal(tup, out), "%v != %v", tup, out)
	}
}

func randomTuple(rnd *rand.Rand, depth int) Tuple {
	n := rnd.IntN(4) + 1
	t := make(Tuple, n)
	for i := range t {
		t[i] = randomElem(rnd, depth)
	}
	return t
}

func randomElem(rnd *rand.Rand, depth int) any {
	switch k := rnd.IntN(9); {
	case k == 0:
		return nil
	case k == 1:
		b := make([]byte, rnd.IntN(4))
		for i := range b {
			b[i] = byte(rnd.IntN(3))
		}
		return b
	case k == 2:
		return []string{"", "a", "a\x00", "ab", "b", "\x00"}[rnd.IntN(6)]
	case k == 3:
		return int64(rnd.IntN(600)) - 300
	case k == 4:
		return []int64{math.MinInt64, math.MaxInt64, -65536, 65536, 0}[rnd.IntN(5)]
	case k == 5:
		return float64(rnd.IntN(100)-50) / 4
	case k == 6:
		return rnd.IntN(2) == 0
	case k == 7 && depth < 2:
		return randomTuple(rnd, depth+1)
	default:
		return uint64(math.MaxUint64 - uint64(rnd.IntN(3)))
	}
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, Compare(Tuple{"a"}, Tuple{"a", nil}))
	assert.Equal(t, -1, Compare(Tuple{int64(-1)}, Tuple{int64(0)}))
	assert.Equal(t, 1, Compare(Tuple{uint64(math.MaxUint64)}, Tuple{int64(math.MaxInt64)}))
	assert.Equal(t, -1, Compare(Tuple{"z"}, Tuple{int64(0)}))
	assert.Equal(t, 0, Compare(Tuple{7}, Tuple{int64(7)}))
	assert.Equal(t, -1, Compare(Tuple{false}, Tuple{true}))
}

func TestUnpack_errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		msg  string
	}{
		{"unknown code", []byte{0x99}, "unknown type code 0x99"},
		{"unterminated string", []byte{0x02, 'a'}, "unterminated byte string"},
		{"truncated int", []byte{0x16, 0x01}, "truncated 2-byte integer"},
		{"truncated float", []byte{0x21, 0x00}, "truncated float"},
		{"truncated uuid", []byte{0x30, 1, 2, 3}, "truncated uuid"},
		{"unterminated nested", []byte{0x05, 0x14}, "unterminated nested tuple"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unpack(tt.data)
			require.Error(t, err)
			var de *DecodeError
			require.True(t, errors.As(err, &de))
			require.Equal(t, tt.msg, de.Msg)
		})
	}
}

func TestUnpackPrefixed(t *testing.T) {
	prefix := []byte{0x15, 0, 0, 7}
	key := append(slices.Clone(prefix), Pack("a", 1)...)

	tup, err := UnpackPrefixed(prefix, key)
	require.NoError(t, err)
	require.Equal(t, Tuple{"a", int64(1)}, tup)

	_, err = UnpackPrefixed([]byte{0x16}, key)
	require.Error(t, err)
}

func TestRangeBounds(t *testing.T) {
	prefix := []byte{0x15, 0x01}
	first, last := FirstKeyOf(prefix), LastKeyOf(prefix)
	require.Equal(t, []byte{0x15, 0x01, 0x00}, first)
	require.Equal(t, []byte{0x15, 0x01, 0xFF}, last)
	require.Equal(t, []byte{0x15, 0x01}, prefix)

	for _, tup := range []Tuple{{nil}, {""}, {int64(-5)}, {uint64(math.MaxUint64)}, {true}} {
		k := append(slices.Clone(prefix), tup.Pack()...)
		assert.GreaterOrEqual(t, bytes.Compare(k, first), 0, "%v", tup)
		assert.Negative(t, bytes.Compare(k, last), "%v", tup)
	}
}

func TestStrinc(t *testing.T) {
	r, err := Strinc([]byte{0x01, 0xFF, 0xFF})
	require.NoError(t, err)
	require.Equal(t, []byte{0x02}, r)

	r, err = Strinc([]byte{0x01, 0x02})
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x03}, r)

	_, err = Strinc([]byte{0xFF})
	require.ErrorIs(t, err, ErrNoSuccessor)
}

func TestDecodeFromString(t *testing.T) {
	key := Pack("cursor", 12)
	back, err := DecodeFromString(EncodeToString(key))
	require.NoError(t, err)
	require.Equal(t, key, back)

	_, err = DecodeFromString("zz")
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestTupleString(t *testing.T) {
	require.Equal(t, `("a", 1, true, nil, (2))`, Tuple{"a", 1, true, nil, Tuple{2}}.String())
}
