package mergebam

import (
	"fmt"

	"github.com/grailbio/hts/sam"
)

// Test helpers for building records and streams without BAM files.

// NewRecordSeq builds a record with sequence and qualities. seq and qual
// must be equal length; pos is 0-based (-1 for unmapped).
func NewRecordSeq(name string, ref *sam.Reference, pos int, flags sam.Flags, cigar sam.Cigar, seq, qual string) *sam.Record {
	if len(seq) != len(qual) {
		panic("seq and qual must be equal length")
	}
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = ref
	r.Pos = pos
	r.MatePos = -1
	r.Flags = flags
	r.Cigar = cigar
	r.Seq = sam.NewSeq([]byte(seq))
	r.Qual = []byte(qual)
	return r
}

// NewAux builds an aux field, panicking on bad input.
func NewAux(name string, val interface{}) sam.Aux {
	aux, err := sam.NewAux(sam.NewTag(name), val)
	if err != nil {
		panic(fmt.Sprintf("error creating %s %v tag: %v", name, val, err))
	}
	return aux
}

// SliceIterator is a RecordIterator over an in-memory slice.
type SliceIterator struct {
	recs []*sam.Record
	i    int
	rec  *sam.Record
}

// NewSliceIterator returns an iterator yielding recs in order.
func NewSliceIterator(recs []*sam.Record) *SliceIterator {
	return &SliceIterator{recs: recs}
}

// Scan implements RecordIterator.
func (it *SliceIterator) Scan() bool {
	if it.i >= len(it.recs) {
		return false
	}
	it.rec = it.recs[it.i]
	it.i++
	return true
}

// Record implements RecordIterator.
func (it *SliceIterator) Record() *sam.Record { return it.rec }

// Err implements RecordIterator.
func (it *SliceIterator) Err() error { return nil }

// Close implements RecordIterator.
func (it *SliceIterator) Close() error { return nil }
