// Package gorilla implements the timestamp delta-of-delta and
// XOR-with-window value codec used to compress a single series'
// points into an SSTable block. The codec is pure: it performs no
// I/O and has no dependency on the series/tag model above it.
package gorilla

import (
	"encoding/binary"
	"math"

	"tsdb/pkg/tsdberrors"
)

const headerSize = 4 + 8 + 8 // count + first timestamp + first value

// Sample is a single (timestamp, value) pair as seen by the codec.
type Sample struct {
	Timestamp int64
	Value     float64
}

// Encode compresses an ordered, non-empty, strictly-increasing-timestamp
// sequence of samples. The caller is responsible for the ordering and
// uniqueness invariants; Encode does not re-sort or deduplicate.
func Encode(samples []Sample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, tsdberrors.ErrEmptyInput
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(samples)))
	binary.LittleEndian.PutUint64(header[4:12], uint64(samples[0].Timestamp))
	binary.LittleEndian.PutUint64(header[12:20], math.Float64bits(samples[0].Value))

	if len(samples) == 1 {
		return header, nil
	}

	bw := newBitWriter()
	vc := newValueCoder(math.Float64bits(samples[0].Value))

	d1 := samples[1].Timestamp - samples[0].Timestamp
	bw.WriteBits(toTwosComplement(d1, 64), 64)
	vc.encode(bw, samples[1].Value)

	prevTS := samples[1].Timestamp
	prevDelta := d1

	for i := 2; i < len(samples); i++ {
		d := samples[i].Timestamp - prevTS
		encodeDD(bw, d-prevDelta)
		vc.encode(bw, samples[i].Value)
		prevDelta = d
		prevTS = samples[i].Timestamp
	}

	return append(header, bw.Bytes()...), nil
}

// Decode reverses Encode, reconstructing the exact original sequence.
func Decode(data []byte) ([]Sample, error) {
	if len(data) < headerSize {
		return nil, tsdberrors.ErrTruncated
	}

	count := binary.LittleEndian.Uint32(data[0:4])
	if count == 0 {
		return nil, tsdberrors.ErrTruncated
	}
	firstTS := int64(binary.LittleEndian.Uint64(data[4:12]))
	firstVal := math.Float64frombits(binary.LittleEndian.Uint64(data[12:20]))

	out := make([]Sample, 0, count)
	out = append(out, Sample{Timestamp: firstTS, Value: firstVal})
	if count == 1 {
		return out, nil
	}

	br := newBitReader(data[headerSize:])
	vc := newValueCoder(math.Float64bits(firstVal))

	rawD1, err := br.ReadBits(64)
	if err != nil {
		return nil, tsdberrors.ErrTruncated
	}
	d1 := fromTwosComplement(rawD1, 64)
	ts := firstTS + d1
	val, err := vc.decode(br)
	if err != nil {
		return nil, err
	}
	out = append(out, Sample{Timestamp: ts, Value: val})

	prevDelta := d1
	prevTS := ts

	for i := uint32(2); i < count; i++ {
		dd, err := decodeDD(br)
		if err != nil {
			return nil, err
		}
		d := prevDelta + dd
		ts = prevTS + d

		val, err = vc.decode(br)
		if err != nil {
			return nil, err
		}

		out = append(out, Sample{Timestamp: ts, Value: val})
		prevDelta = d
		prevTS = ts
	}

	return out, nil
}
