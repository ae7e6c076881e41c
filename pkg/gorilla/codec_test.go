package gorilla

import (
	"math"
	"testing"

	"tsdb/pkg/tsdberrors"
)

func mustEqual(t *testing.T, got, want []Sample) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Timestamp != want[i].Timestamp {
			t.Fatalf("sample %d: timestamp got %d want %d", i, got[i].Timestamp, want[i].Timestamp)
		}
		if math.Float64bits(got[i].Value) != math.Float64bits(want[i].Value) {
			t.Fatalf("sample %d: value got %v want %v", i, got[i].Value, want[i].Value)
		}
	}
}

func TestRoundTripSingle(t *testing.T) {
	in := []Sample{{Timestamp: 1609459200, Value: 23.5}}
	enc, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	mustEqual(t, out, in)
}

func TestRoundTripVariousDeltas(t *testing.T) {
	cases := [][]Sample{
		{
			{Timestamp: 100, Value: 1.0},
			{Timestamp: 200, Value: 1.0},
			{Timestamp: 300, Value: 1.0},
			{Timestamp: 400, Value: 1.0},
		},
		{
			{Timestamp: 1000, Value: 10},
			{Timestamp: 1060, Value: 11},
			{Timestamp: 1120, Value: 9},
			{Timestamp: 1300, Value: 50},
			{Timestamp: 1301, Value: -1e9},
			{Timestamp: 50000, Value: math.NaN()},
		},
		{
			{Timestamp: 0, Value: 0},
			{Timestamp: 1, Value: math.Inf(1)},
			{Timestamp: 2, Value: math.Inf(-1)},
			{Timestamp: 3, Value: 0},
		},
	}

	for i, c := range cases {
		enc, err := Encode(c)
		if err != nil {
			t.Fatalf("case %d: encode: %v", i, err)
		}
		out, err := Decode(enc)
		if err != nil {
			t.Fatalf("case %d: decode: %v", i, err)
		}
		mustEqual(t, out, c)
	}
}

func TestRoundTripPseudoRandom(t *testing.T) {
	var seed uint64 = 88172645463325252
	next := func() uint64 {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		return seed
	}

	ts := int64(1700000000)
	samples := make([]Sample, 500)
	for i := range samples {
		ts += int64(next()%4000) - 1000
		if i > 0 && ts <= samples[i-1].Timestamp {
			ts = samples[i-1].Timestamp + 1
		}
		samples[i] = Sample{
			Timestamp: ts,
			Value:     math.Float64frombits(next()),
		}
	}

	enc, err := Encode(samples)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	mustEqual(t, out, samples)
}

func TestEncodeEmptyFails(t *testing.T) {
	_, err := Encode(nil)
	if err != tsdberrors.ErrEmptyInput {
		t.Fatalf("got %v, want ErrEmptyInput", err)
	}
}

func TestDecodeTruncatedFails(t *testing.T) {
	in := []Sample{{Timestamp: 1, Value: 1}, {Timestamp: 2, Value: 2}, {Timestamp: 3, Value: 3}}
	enc, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Decode(enc[:len(enc)-1])
	if err != tsdberrors.ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestBoundaryDeltaOfDelta(t *testing.T) {
	// Exercise every prefix-width boundary, including the edge values
	// that a naive [-63,64]-style mapping would collide on.
	deltas := []int64{0, 63, -64, 64, -65, 255, -256, 256, -257, 2047, -2048, 2048, -2049, 1 << 20, -(1 << 20)}

	samples := make([]Sample, 0, len(deltas)+2)
	ts := int64(0)
	samples = append(samples, Sample{Timestamp: ts, Value: 1})
	ts += 1000
	samples = append(samples, Sample{Timestamp: ts, Value: 2})
	prevDelta := int64(1000)
	for i, dd := range deltas {
		d := prevDelta + dd
		ts += d
		samples = append(samples, Sample{Timestamp: ts, Value: float64(i)})
		prevDelta = d
	}

	enc, err := Encode(samples)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	mustEqual(t, out, samples)
}
