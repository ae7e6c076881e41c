package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"tsdb/pkg/gorilla"
	"tsdb/pkg/tsdberrors"
	"tsdb/pkg/tsmodel"
)

// SeriesData is one series' contribution to a flush or compaction:
// its points in ascending, deduplicated timestamp order, and the
// tag set to store alongside the block.
type SeriesData struct {
	Points []tsmodel.Point
	Tags   tsmodel.Tags
}

// Write serializes data to a new immutable file named per FileName(seq)
// under dir. Series are emitted in lexicographic order so that two
// writers given byte-identical input produce byte-identical files.
// The file is written to a temporary name, fsynced, renamed into
// place, and the parent directory is fsynced — the whole sequence is
// atomic from any reader's point of view.
func Write(dir string, seq uint64, data map[string]SeriesData) (string, error) {
	if len(data) == 0 {
		return "", tsdberrors.New(tsdberrors.Validation, "sstable.Write", fmt.Errorf("no series to flush"))
	}

	keys := make([]string, 0, len(data))
	for k, sd := range data {
		if len(sd.Points) == 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(magic)
	putUint16(&buf, formatVersion)
	putUint16(&buf, 0) // flags, unused
	putUint32(&buf, uint32(len(keys)))

	type idxEnt struct {
		key          string
		offset       int64
		pointCount   uint32
		minTS, maxTS int64
	}
	index := make([]idxEnt, 0, len(keys))

	for _, key := range keys {
		sd := data[key]
		offset := int64(buf.Len())
		minTS := sd.Points[0].Timestamp
		maxTS := sd.Points[len(sd.Points)-1].Timestamp

		putUint16(&buf, uint16(len(key)))
		buf.WriteString(key)
		putUint32(&buf, uint32(len(sd.Points)))
		putInt64(&buf, minTS)
		putInt64(&buf, maxTS)

		tagKeys := make([]string, 0, len(sd.Tags))
		for tk := range sd.Tags {
			tagKeys = append(tagKeys, tk)
		}
		sort.Strings(tagKeys)
		putUint16(&buf, uint16(len(tagKeys)))
		for _, tk := range tagKeys {
			tv := sd.Tags[tk]
			putUint16(&buf, uint16(len(tk)))
			buf.WriteString(tk)
			putUint16(&buf, uint16(len(tv)))
			buf.WriteString(tv)
		}

		samples := make([]gorilla.Sample, len(sd.Points))
		for i, p := range sd.Points {
			samples[i] = gorilla.Sample{Timestamp: p.Timestamp, Value: p.Value}
		}
		payload, err := gorilla.Encode(samples)
		if err != nil {
			return "", tsdberrors.New(tsdberrors.Internal, "sstable.Write", fmt.Errorf("encode series %q: %w", key, err))
		}
		putUint32(&buf, uint32(len(payload)))
		buf.Write(payload)

		index = append(index, idxEnt{
			key: key, offset: offset,
			pointCount: uint32(len(sd.Points)),
			minTS:      minTS, maxTS: maxTS,
		})
	}

	indexOffset := int64(buf.Len())
	for _, e := range index {
		putUint16(&buf, uint16(len(e.key)))
		buf.WriteString(e.key)
		putInt64(&buf, e.offset)
		putUint32(&buf, e.pointCount)
		putInt64(&buf, e.minTS)
		putInt64(&buf, e.maxTS)
	}

	putInt64(&buf, indexOffset)
	putUint32(&buf, uint32(len(index)))
	buf.WriteString(footerMagic)

	finalPath := filepath.Join(dir, FileName(seq))
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", tsdberrors.New(tsdberrors.Io, "sstable.Write", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return "", tsdberrors.New(tsdberrors.Io, "sstable.Write", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", tsdberrors.New(tsdberrors.Io, "sstable.Write", err)
	}
	if err := f.Close(); err != nil {
		return "", tsdberrors.New(tsdberrors.Io, "sstable.Write", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", tsdberrors.New(tsdberrors.Io, "sstable.Write", err)
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return "", tsdberrors.New(tsdberrors.Io, "sstable.Write", err)
	}
	defer dirFile.Close()
	if err := dirFile.Sync(); err != nil {
		return "", tsdberrors.New(tsdberrors.Io, "sstable.Write", err)
	}

	return finalPath, nil
}

func putUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}
