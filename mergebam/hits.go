package mergebam

import (
	"fmt"
	"strings"

	"github.com/grailbio/hts/sam"
)

// RecordIterator is the pull interface over a record stream. It follows
// the Scan/Record/Err/Close shape of the bamprovider iterators.
type RecordIterator interface {
	// Scan advances to the next record, returning false at end of stream
	// or on error.
	Scan() bool
	// Record returns the current record. Ownership passes to the caller.
	Record() *sam.Record
	// Err returns the first error encountered, or nil at a clean EOF.
	Err() error
	Close() error
}

// HitsForRead holds every alignment the aligner produced for one read
// name: primary and secondary hits per end, plus supplementary (chimeric)
// hits per end. For fragments only the first-of-pair slices are used.
type HitsForRead struct {
	Name string

	FirstOfPairOrFragment []*sam.Record
	SecondOfPair          []*sam.Record

	SupplementalFirstOfPairOrFragment []*sam.Record
	SupplementalSecondOfPair          []*sam.Record
}

// NumHits is the number of hit indexes; the ends pair positionally, and an
// end with fewer hits yields nil at the missing indexes.
func (h *HitsForRead) NumHits() int {
	if len(h.FirstOfPairOrFragment) > len(h.SecondOfPair) {
		return len(h.FirstOfPairOrFragment)
	}
	return len(h.SecondOfPair)
}

// First returns the i-th hit for the first end, or nil.
func (h *HitsForRead) First(i int) *sam.Record {
	if i >= len(h.FirstOfPairOrFragment) {
		return nil
	}
	return h.FirstOfPairOrFragment[i]
}

// Second returns the i-th hit for the second end, or nil.
func (h *HitsForRead) Second(i int) *sam.Record {
	if i >= len(h.SecondOfPair) {
		return nil
	}
	return h.SecondOfPair[i]
}

// Fragment returns the i-th hit for an unpaired read.
func (h *HitsForRead) Fragment(i int) *sam.Record { return h.First(i) }

// HasSupplemental reports whether either end has supplementary hits.
func (h *HitsForRead) HasSupplemental() bool {
	return len(h.SupplementalFirstOfPairOrFragment) > 0 || len(h.SupplementalSecondOfPair) > 0
}

func (h *HitsForRead) add(r *sam.Record) {
	second := r.Flags&sam.Paired != 0 && r.Flags&sam.Read2 != 0
	if r.Flags&sam.Supplementary != 0 {
		if second {
			h.SupplementalSecondOfPair = append(h.SupplementalSecondOfPair, r)
		} else {
			h.SupplementalFirstOfPairOrFragment = append(h.SupplementalFirstOfPairOrFragment, r)
		}
		return
	}
	if second {
		h.SecondOfPair = append(h.SecondOfPair, r)
	} else {
		h.FirstOfPairOrFragment = append(h.FirstOfPairOrFragment, r)
	}
}

// PrimarySelector elects exactly one primary hit per end of a grouped
// read, clearing the secondary flag on the winner and setting it on every
// other hit. The real election policy lives outside this package.
type PrimarySelector interface {
	SelectPrimary(h *HitsForRead)
}

// FirstPrimarySelector is the trivial policy: the first hit the aligner
// did not mark secondary wins; when every hit is marked secondary the
// first hit wins.
type FirstPrimarySelector struct{}

// SelectPrimary implements PrimarySelector.
func (FirstPrimarySelector) SelectPrimary(h *HitsForRead) {
	electFirstPrimary(h.FirstOfPairOrFragment)
	electFirstPrimary(h.SecondOfPair)
}

func electFirstPrimary(hits []*sam.Record) {
	if len(hits) == 0 {
		return
	}
	primary := 0
	for i, r := range hits {
		if r.Flags&sam.Secondary == 0 {
			primary = i
			break
		}
	}
	for i, r := range hits {
		if i == primary {
			r.Flags &^= sam.Secondary
		} else {
			r.Flags |= sam.Secondary
		}
	}
}

// HitGrouper turns a query-name sorted aligned stream into a lazy sequence
// of HitsForRead groups. The stream must be non-decreasing by read name
// under plain byte-wise comparison; that same comparator orders the
// aligned stream against the unaligned stream in the merge driver, so a
// source sorted any other way will fail here rather than misjoin there.
type HitGrouper struct {
	it       RecordIterator
	skip     func(*sam.Record) bool
	selector PrimarySelector

	peeked   *sam.Record
	hits     *HitsForRead
	lastName string
	started  bool
	err      error
}

// NewHitGrouper wraps it. skip drops individual alignments before
// grouping (a group whose records are all skipped disappears); selector
// elects the primary hit per end and must not be nil.
func NewHitGrouper(it RecordIterator, skip func(*sam.Record) bool, selector PrimarySelector) *HitGrouper {
	return &HitGrouper{it: it, skip: skip, selector: selector}
}

func (g *HitGrouper) next() (*sam.Record, bool) {
	if g.peeked != nil {
		r := g.peeked
		g.peeked = nil
		return r, true
	}
	for g.it.Scan() {
		r := g.it.Record()
		if g.skip != nil && g.skip(r) {
			continue
		}
		return r, true
	}
	if err := g.it.Err(); err != nil && g.err == nil {
		g.err = err
	}
	return nil, false
}

// Scan advances to the next group, returning false at end of stream or on
// error.
func (g *HitGrouper) Scan() bool {
	if g.err != nil {
		return false
	}
	first, ok := g.next()
	if !ok {
		g.hits = nil
		return false
	}
	if g.started && strings.Compare(first.Name, g.lastName) < 0 {
		g.err = fmt.Errorf("read %q after %q: %w", first.Name, g.lastName, ErrOutOfOrderAligned)
		g.hits = nil
		return false
	}
	h := &HitsForRead{Name: first.Name}
	h.add(first)
	for {
		r, ok := g.next()
		if !ok {
			break
		}
		if r.Name != first.Name {
			g.peeked = r
			break
		}
		h.add(r)
	}
	if g.err != nil {
		g.hits = nil
		return false
	}
	g.started = true
	g.lastName = first.Name
	g.selector.SelectPrimary(h)
	g.hits = h
	return true
}

// Hits returns the current group.
func (g *HitGrouper) Hits() *HitsForRead { return g.hits }

// Err returns the first error encountered.
func (g *HitGrouper) Err() error { return g.err }

// Close closes the underlying iterator.
func (g *HitGrouper) Close() error { return g.it.Close() }
