package gorilla

import (
	"math"
	"math/bits"

	"tsdb/pkg/tsdberrors"
)

// valueCoder holds the XOR-window state shared by the encoder and
// decoder side of a single stream: the previous value's bits, and the
// leading/trailing zero counts of the last "new window" block.
//
// The leading-zero count is clamped to 5 bits (0-31) on the wire, and
// the meaningful-bit count is written as (M-1) in 6 bits so that the
// full 1-64 range fits — a plain 6-bit M field can only hold 0-63,
// one short of the 64 that an all-bits-different XOR requires.
// Clamping the leading-zero count merely widens the window with
// always-zero padding bits; it never drops data, so round-trip
// correctness is unaffected either way.
type valueCoder struct {
	prevBits   uint64
	haveWindow bool
	lPrev      int
	tPrev      int
}

func newValueCoder(first uint64) *valueCoder {
	return &valueCoder{prevBits: first}
}

func (c *valueCoder) encode(bw *bitWriter, v float64) {
	curBits := math.Float64bits(v)
	xor := curBits ^ c.prevBits
	defer func() { c.prevBits = curBits }()

	if xor == 0 {
		bw.WriteBits(0, 1)
		return
	}
	bw.WriteBits(1, 1)

	lz := bits.LeadingZeros64(xor)
	tz := bits.TrailingZeros64(xor)

	if c.haveWindow && lz >= c.lPrev && tz >= c.tPrev {
		bw.WriteBits(0, 1)
		m := 64 - c.lPrev - c.tPrev
		bw.WriteBits(xor>>uint(c.tPrev), m)
		return
	}

	bw.WriteBits(1, 1)
	lzStored := lz
	if lzStored > 31 {
		lzStored = 31
	}
	m := 64 - lzStored - tz
	if m < 1 {
		m = 1
	}
	bw.WriteBits(uint64(lzStored), 5)
	bw.WriteBits(uint64(m-1), 6)
	bw.WriteBits(xor>>uint(tz), m)

	c.lPrev, c.tPrev = lzStored, tz
	c.haveWindow = true
}

func (c *valueCoder) decode(br *bitReader) (float64, error) {
	unchanged, err := br.ReadBit()
	if err != nil {
		return 0, err
	}
	if unchanged == 0 {
		return math.Float64frombits(c.prevBits), nil
	}

	newWindow, err := br.ReadBit()
	if err != nil {
		return 0, err
	}

	var xor uint64
	if newWindow == 0 {
		if !c.haveWindow {
			return 0, tsdberrors.ErrTruncated
		}
		m := 64 - c.lPrev - c.tPrev
		meaningful, err := br.ReadBits(m)
		if err != nil {
			return 0, err
		}
		xor = meaningful << uint(c.tPrev)
	} else {
		lz, err := br.ReadBits(5)
		if err != nil {
			return 0, err
		}
		mEnc, err := br.ReadBits(6)
		if err != nil {
			return 0, err
		}
		m := int(mEnc) + 1
		tz := 64 - int(lz) - m
		meaningful, err := br.ReadBits(m)
		if err != nil {
			return 0, err
		}
		xor = meaningful << uint(tz)
		c.lPrev, c.tPrev = int(lz), tz
		c.haveWindow = true
	}

	bitsVal := c.prevBits ^ xor
	c.prevBits = bitsVal
	return math.Float64frombits(bitsVal), nil
}
