package mergebam

import (
	"github.com/grailbio/hts/sam"

	"github.com/grailbio/mergebam/sorter"
)

// RecordWriter consumes finished records; hts bam.Writer satisfies it.
type RecordWriter interface {
	Write(r *sam.Record) error
}

// Sink is where the merge driver pushes finished records: either a direct
// writer (queryname and unsorted output) or the external sorting
// collection (coordinate output). The sorted drain is only available on
// the sorting variant, through the sorter's own iterator after the merge
// completes.
type Sink interface {
	// Add takes ownership of r.
	Add(r *sam.Record) error
	// Close is called once the merge has added its last record. Neither
	// variant does any work here: the writer variant has already written
	// every record, and the sorting variant leaves the sorter as it is;
	// the sorter is finalized, and its sorted drain produced, by its own
	// Sort. Close does not refuse later Adds.
	Close() error
}

type writerSink struct {
	w RecordWriter
}

// NewWriterSink returns a Sink that writes straight through to w.
func NewWriterSink(w RecordWriter) Sink { return &writerSink{w: w} }

func (s *writerSink) Add(r *sam.Record) error { return s.w.Write(r) }
func (s *writerSink) Close() error            { return nil }

type sortingSink struct {
	s *sorter.Sorter
}

// NewSortingSink returns a Sink feeding the external sorter.
func NewSortingSink(s *sorter.Sorter) Sink { return &sortingSink{s: s} }

func (s *sortingSink) Add(r *sam.Record) error { return s.s.Add(r) }
func (s *sortingSink) Close() error            { return nil }
