// Copyright 2019 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package sorter implements a bounded-memory coordinate sort over
// sam.Records. Records accumulate in RAM; when the buffer fills they are
// sorted and spilled to a snappy-compressed temporary file of
// BAM-serialized records. Sort k-way merges the spills and the in-memory
// remainder into one sorted stream.
//
// Records are ordered by increasing reference ID with unmapped reads
// last, then by alignment position, then by strand (forward first), then
// by flag bits, then by name. This matches the "coord" order of samtools
// sort.
package sorter

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	gbam "github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/hts/sam"
	"v.io/x/lib/vlog"
)

// DefaultMaxRecordsInRAM is the buffer size used when
// Options.MaxRecordsInRAM is unset.
const DefaultMaxRecordsInRAM = 500000

// Options controls a Sorter.
type Options struct {
	// MaxRecordsInRAM is the number of records buffered before spilling.
	MaxRecordsInRAM int
	// TmpDir holds spill files. "" means the system default.
	TmpDir string
}

// recCoord packs (refid, pos, reverse) so that numeric order is
// coordinate order. Records with no reference at all sort last; an
// unmapped record placed at its mate's coordinate sorts there.
type recCoord uint64

const unmappedCoord recCoord = 0x7ffffffffffffffe

func coordOf(r *sam.Record) recCoord {
	var key recCoord
	if r.Ref == nil {
		key = unmappedCoord
	} else {
		key = recCoord(r.Ref.ID())<<33 | recCoord(r.Pos)<<1
	}
	if r.Flags&sam.Reverse != 0 {
		key |= 1
	}
	return key
}

type entry struct {
	coord recCoord
	rec   *sam.Record
}

func entryLess(a, b entry) bool {
	if a.coord != b.coord {
		return a.coord < b.coord
	}
	if a.rec.Flags != b.rec.Flags {
		return a.rec.Flags < b.rec.Flags
	}
	return a.rec.Name < b.rec.Name
}

// Sorter accumulates records via Add until Sort is called.
//
//   srt := sorter.New(header, sorter.Options{MaxRecordsInRAM: 1 << 20})
//   defer srt.Discard()
//   for _, rec := range recs {
//     if err := srt.Add(rec); err != nil { ... }
//   }
//   iter, err := srt.Sort()
type Sorter struct {
	opts      Options
	header    *sam.Header
	recs      []entry
	spills    []string
	buf       bytes.Buffer
	finalized bool
	err       errors.Once
}

// New creates a Sorter. header must contain every reference used by the
// records added later; it is needed to deserialize spilled records.
func New(header *sam.Header, opts Options) *Sorter {
	if opts.MaxRecordsInRAM <= 0 {
		opts.MaxRecordsInRAM = DefaultMaxRecordsInRAM
	}
	return &Sorter{opts: opts, header: header}
}

// Add buffers one record, spilling the buffer when full. The sorter owns
// the record from here on.
func (s *Sorter) Add(r *sam.Record) error {
	if s.finalized {
		return errors.E("sorter: Add after Sort")
	}
	if err := s.err.Err(); err != nil {
		return err
	}
	s.recs = append(s.recs, entry{coordOf(r), r})
	if len(s.recs) >= s.opts.MaxRecordsInRAM {
		return s.spill()
	}
	return nil
}

func (s *Sorter) sortBuffered() {
	sort.Slice(s.recs, func(i, j int) bool { return entryLess(s.recs[i], s.recs[j]) })
}

func (s *Sorter) spill() error {
	s.sortBuffered()
	f, err := ioutil.TempFile(s.opts.TmpDir, "mergebam-sortspill-")
	if err != nil {
		s.err.Set(err)
		return err
	}
	s.spills = append(s.spills, f.Name())
	vlog.VI(1).Infof("sorter: spilling %d records to %s", len(s.recs), f.Name())
	w := snappy.NewBufferedWriter(f)
	for _, e := range s.recs {
		s.buf.Reset()
		// Marshal emits the record length followed by the BAM record body,
		// which is exactly the framing the spill reader expects.
		if err := gbam.Marshal(e.rec, &s.buf); err != nil {
			s.err.Set(err)
			break
		}
		if _, err := w.Write(s.buf.Bytes()); err != nil {
			s.err.Set(err)
			break
		}
	}
	if err := w.Close(); err != nil {
		s.err.Set(err)
	}
	if err := f.Close(); err != nil {
		s.err.Set(err)
	}
	if err := s.err.Err(); err != nil {
		return err
	}
	s.recs = s.recs[:0]
	return nil
}

// Sort finalizes the sorter and returns an iterator over all added
// records in coordinate order. The sorter is read-only afterwards; call
// the iterator's Close (or Discard) to release the spill files.
func (s *Sorter) Sort() (*Iterator, error) {
	if s.finalized {
		return nil, errors.E("sorter: Sort called twice")
	}
	s.finalized = true
	if err := s.err.Err(); err != nil {
		return nil, err
	}
	s.sortBuffered()
	it := &Iterator{s: s}
	seq := 0
	if len(s.recs) > 0 {
		l := &leaf{seq: seq, src: &memSource{recs: s.recs}}
		if l.src.scan() {
			it.tree.Insert(l)
		}
		seq++
	}
	for _, path := range s.spills {
		src, err := newSpillSource(path, s.header)
		if err != nil {
			it.Close() // nolint: errcheck
			return nil, err
		}
		it.readers = append(it.readers, src)
		l := &leaf{seq: seq, src: src}
		if l.src.scan() {
			it.tree.Insert(l)
		} else if err := src.err(); err != nil {
			it.Close() // nolint: errcheck
			return nil, err
		}
		seq++
	}
	vlog.VI(1).Infof("sorter: merging %d spills and %d buffered records", len(s.spills), len(s.recs))
	return it, nil
}

// Discard drops buffered records and removes any spill files. It is safe
// to call at any point, including after Sort and after errors.
func (s *Sorter) Discard() {
	s.recs = nil
	for _, path := range s.spills {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			vlog.Errorf("sorter: removing spill %s: %v", path, err)
		}
	}
	s.spills = nil
	s.finalized = true
}

// mergeSource yields records in sorted order: scan positions the source
// on its next record.
type mergeSource interface {
	scan() bool
	record() *sam.Record
	coord() recCoord
	err() error
	close() error
}

type memSource struct {
	recs []entry
	i    int // 1-based after scan
}

func (m *memSource) scan() bool {
	if m.i >= len(m.recs) {
		return false
	}
	m.i++
	return true
}

func (m *memSource) record() *sam.Record { return m.recs[m.i-1].rec }
func (m *memSource) coord() recCoord     { return m.recs[m.i-1].coord }
func (m *memSource) err() error          { return nil }
func (m *memSource) close() error        { return nil }

type spillSource struct {
	path   string
	f      *os.File
	r      *snappy.Reader
	header *sam.Header
	rec    *sam.Record
	key    recCoord
	e      errors.Once
}

func newSpillSource(path string, header *sam.Header) (*spillSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(err, "sorter: opening spill "+path)
	}
	return &spillSource{path: path, f: f, r: snappy.NewReader(f), header: header}, nil
}

func (s *spillSource) scan() bool {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		if err != io.EOF {
			s.e.Set(errors.E(err, "sorter: reading spill "+s.path))
		}
		return false
	}
	body := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(s.r, body); err != nil {
		s.e.Set(errors.E(err, "sorter: reading spill "+s.path))
		return false
	}
	rec, err := gbam.Unmarshal(body, s.header)
	if err != nil {
		s.e.Set(err)
		return false
	}
	s.rec = gbam.CastUp(rec)
	s.key = coordOf(s.rec)
	return true
}

func (s *spillSource) record() *sam.Record { return s.rec }
func (s *spillSource) coord() recCoord     { return s.key }
func (s *spillSource) err() error          { return s.e.Err() }
func (s *spillSource) close() error        { return s.f.Close() }

// leaf adapts a mergeSource to the llrb tree used for the k-way merge.
// seq breaks exact ties deterministically.
type leaf struct {
	seq int
	src mergeSource
}

// Compare implements llrb.Comparable.
func (l *leaf) Compare(o llrb.Comparable) int {
	other := o.(*leaf)
	c1, c2 := l.src.coord(), other.src.coord()
	if c1 != c2 {
		if c1 < c2 {
			return -1
		}
		return 1
	}
	r1, r2 := l.src.record(), other.src.record()
	if r1.Flags != r2.Flags {
		if r1.Flags < r2.Flags {
			return -1
		}
		return 1
	}
	if c := strings.Compare(r1.Name, r2.Name); c != 0 {
		return c
	}
	return l.seq - other.seq
}

// Iterator drains a finalized Sorter in coordinate order.
type Iterator struct {
	s       *Sorter
	tree    llrb.Tree
	readers []*spillSource
	cur     *sam.Record
}

// Scan advances to the next record in sort order.
func (it *Iterator) Scan() bool {
	if it.Err() != nil || it.tree.Len() == 0 {
		return false
	}
	top := it.tree.Min().(*leaf)
	it.cur = top.src.record()
	it.tree.DeleteMin()
	if top.src.scan() {
		it.tree.Insert(top)
	} else if top.src.err() != nil {
		return false
	}
	return true
}

// Record returns the current record.
func (it *Iterator) Record() *sam.Record { return it.cur }

// Err returns the first error hit by any source.
func (it *Iterator) Err() error {
	for _, r := range it.readers {
		if err := r.err(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the spill readers and removes the temporary files.
func (it *Iterator) Close() error {
	var firstErr error
	for _, r := range it.readers {
		if err := r.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	it.readers = nil
	it.s.Discard()
	return firstErr
}
