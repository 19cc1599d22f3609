package mergebam

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/hts/sam"

	"github.com/grailbio/mergebam/sorter"
)

const progressInterval = 1000000

// Merger joins an unaligned record stream with grouped aligner hits and
// emits merged records. Create one with NewMerger, then call Run (or
// Merge with an explicit Sink).
type Merger struct {
	opts   *Opts
	header *sam.Header

	refByName   map[string]*sam.Reference
	retain      map[sam.Tag]bool
	remove      map[sam.Tag]bool
	reverseTags map[sam.Tag]bool
	revcompTags map[sam.Tag]bool
	program     *sam.Program

	progress     int
	aligned      int
	unmapped     int
	crossSpecies int
}

// NewMerger builds a Merger writing records against header, the merged
// output header: the aligned input's reference dictionary plus the
// unaligned input's read groups and program records. When opts names a
// program record it is added to header here, chained to the last existing
// program; a program ID already present is ErrProgramRecordCollision.
func NewMerger(header *sam.Header, opts *Opts) (*Merger, error) {
	m := &Merger{opts: opts, header: header}
	m.refByName = make(map[string]*sam.Reference, len(header.Refs()))
	for _, ref := range header.Refs() {
		m.refByName[ref.Name()] = ref
	}

	m.retain = tagSet(opts.AttributesToRetain)
	m.remove = tagSet(opts.AttributesToRemove)
	for tag := range m.remove {
		if m.retain[tag] {
			log.Printf("overriding retaining the %v tag since remove overrides retain", tag)
			delete(m.retain, tag)
		}
	}
	rev := opts.AttributesToReverse
	if rev == nil {
		rev = defaultReverseTags
	}
	rc := opts.AttributesToReverseComplement
	if rc == nil {
		rc = defaultReverseComplementTags
	}
	m.reverseTags = tagSet(rev)
	m.revcompTags = tagSet(rc)

	if opts.ProgramID != "" {
		prev := ""
		for _, p := range header.Progs() {
			if p.UID() == opts.ProgramID {
				return nil, fmt.Errorf("program %q: %w", opts.ProgramID, ErrProgramRecordCollision)
			}
			prev = p.UID()
		}
		m.program = sam.NewProgram(opts.ProgramID, opts.ProgramName, opts.ProgramCommandLine, prev, opts.ProgramVersion)
		if err := header.AddProgram(m.program); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Set the PG tag unconditionally, not just on aligned records: an
// unaligned read still went through the aligner, and a single program
// chain covers the whole output.
func (m *Merger) maybeSetPGTag(rec *sam.Record) {
	if m.program != nil && m.opts.AddProgramTag {
		mustSetAuxValue(rec, pgTag, m.opts.ProgramID)
	}
}

func (m *Merger) addIfNotFiltered(sink Sink, rec *sam.Record) error {
	if !m.opts.IncludeSecondary && rec.Flags&sam.Secondary != 0 {
		return nil
	}
	m.progress++
	if m.progress%progressInterval == 0 {
		log.Printf("merged %d records", m.progress)
		if m.crossSpecies > 0 {
			log.Printf("%d reads unmapped due to suspicion of cross-species contamination", m.crossSpecies)
		}
	}
	return sink.Add(rec)
}

func (m *Merger) validatePair(first, second *sam.Record) error {
	switch {
	case first.Name != second.Name:
		return fmt.Errorf("reads %q and %q: %w", first.Name, second.Name, ErrPairingViolation)
	case first.Flags&sam.Read1 == 0:
		return fmt.Errorf("read %q is not first of pair: %w", first.Name, ErrPairingViolation)
	case second.Flags&sam.Paired == 0:
		return fmt.Errorf("read %q is not marked as paired: %w", second.Name, ErrPairingViolation)
	case second.Flags&sam.Read2 == 0:
		return fmt.Errorf("read %q is not second of pair: %w", second.Name, ErrPairingViolation)
	}
	return nil
}

// mergeHits fans one unaligned template (or template pair) out over its
// hits. Mapped outputs are always emitted; an unmapped output is emitted
// only from the primary slot so a read with N secondary hits does not
// produce N unmapped copies. Supplementary hits are cloned from the
// template and linked to the opposite end's primary.
func (m *Merger) mergeHits(rec, secondOfPair *sam.Record, hits *HitsForRead, sink Sink) error {
	clone := hits.NumHits() > 1 || hits.HasSupplemental()
	contaminant := m.opts.UnmapContaminants && m.opts.Contaminant != nil && m.opts.Contaminant(hits)

	if secondOfPair != nil {
		var r1Primary, r2Primary *sam.Record
		for i := 0; i < hits.NumHits(); i++ {
			firstAligned := hits.First(i)
			secondAligned := hits.Second(i)
			isPrimary := (firstAligned != nil && firstAligned.Flags&(sam.Secondary|sam.Supplementary) == 0) ||
				(secondAligned != nil && secondAligned.Flags&(sam.Secondary|sam.Supplementary) == 0)

			firstToWrite, secondToWrite := rec, secondOfPair
			if clone {
				firstToWrite, secondToWrite = CloneRecord(rec), CloneRecord(secondOfPair)
			}
			if isPrimary {
				r1Primary, r2Primary = firstToWrite, secondToWrite
			}
			if err := m.transferAlignmentInfoToPairedRead(firstToWrite, secondToWrite, firstAligned, secondAligned, contaminant, clone); err != nil {
				return err
			}
			for _, r := range [2]*sam.Record{firstToWrite, secondToWrite} {
				if r.Flags&sam.Unmapped == 0 || isPrimary {
					if err := m.addIfNotFiltered(sink, r); err != nil {
						return err
					}
					if r.Flags&sam.Unmapped == 0 {
						m.aligned++
					} else {
						m.unmapped++
					}
				}
			}
		}
		for _, end := range [2]struct {
			supps       []*sam.Record
			source      *sam.Record
			matePrimary *sam.Record
		}{
			{hits.SupplementalFirstOfPairOrFragment, rec, r2Primary},
			{hits.SupplementalSecondOfPair, secondOfPair, r1Primary},
		} {
			for _, supp := range end.supps {
				out := CloneRecord(end.source)
				if err := m.transferAlignmentInfoToFragment(out, supp, contaminant, clone); err != nil {
					return err
				}
				if end.matePrimary != nil {
					setMateInfoOnSupplemental(out, end.matePrimary, m.opts.AddMateCigar)
				}
				// Supplementary hits that the transfer unmapped are dropped.
				if out.Flags&sam.Unmapped == 0 {
					if err := m.addIfNotFiltered(sink, out); err != nil {
						return err
					}
					m.aligned++
				} else {
					m.unmapped++
				}
			}
		}
		return nil
	}

	for i := 0; i < hits.NumHits(); i++ {
		aligned := hits.Fragment(i)
		if aligned == nil {
			continue
		}
		toWrite := rec
		if clone {
			toWrite = CloneRecord(rec)
		}
		isPrimary := aligned.Flags&(sam.Secondary|sam.Supplementary) == 0
		if err := m.transferAlignmentInfoToFragment(toWrite, aligned, contaminant, clone); err != nil {
			return err
		}
		if toWrite.Flags&sam.Unmapped == 0 || isPrimary {
			if err := m.addIfNotFiltered(sink, toWrite); err != nil {
				return err
			}
		}
		if toWrite.Flags&sam.Unmapped == 0 {
			m.aligned++
		} else {
			m.unmapped++
		}
	}
	for _, supp := range hits.SupplementalFirstOfPairOrFragment {
		toWrite := CloneRecord(rec)
		if err := m.transferAlignmentInfoToFragment(toWrite, supp, contaminant, clone); err != nil {
			return err
		}
		if toWrite.Flags&sam.Unmapped == 0 {
			if err := m.addIfNotFiltered(sink, toWrite); err != nil {
				return err
			}
			m.aligned++
		} else {
			m.unmapped++
		}
	}
	return nil
}

// Merge runs the outer join loop: for every unaligned template, either
// fan out over its grouped hits or pass it through unchanged. The aligned
// stream must be a subset of the unaligned stream under the same
// byte-wise query-name order; violations surface as ErrAlignedAhead or
// ErrUnalignedExhaustedEarly. The cancellation of ctx is observed between
// templates.
func (m *Merger) Merge(ctx context.Context, unaligned RecordIterator, grouper *HitGrouper, sink Sink) error {
	var nextHits *HitsForRead
	if grouper.Scan() {
		nextHits = grouper.Hits()
	}
	if err := grouper.Err(); err != nil {
		return err
	}

	for unaligned.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := unaligned.Record()
		m.maybeSetPGTag(rec)

		var secondOfPair *sam.Record
		if rec.Flags&sam.Paired != 0 {
			if !unaligned.Scan() {
				if err := unaligned.Err(); err != nil {
					return err
				}
				return fmt.Errorf("read %q: second read from pair not found: %w", rec.Name, ErrPairingViolation)
			}
			secondOfPair = unaligned.Record()
			m.maybeSetPGTag(secondOfPair)
			if err := m.validatePair(rec, secondOfPair); err != nil {
				return err
			}
		}

		if nextHits != nil && rec.Name == nextHits.Name {
			if err := m.mergeHits(rec, secondOfPair, nextHits, sink); err != nil {
				return err
			}
			if grouper.Scan() {
				nextHits = grouper.Hits()
			} else {
				if err := grouper.Err(); err != nil {
					return err
				}
				nextHits = nil
			}
			continue
		}

		if nextHits != nil && strings.Compare(rec.Name, nextHits.Name) > 0 {
			return fmt.Errorf("aligned read %q not present in unaligned input (at %q): %w",
				nextHits.Name, rec.Name, ErrAlignedAhead)
		}
		// No alignment for this template; output as is.
		if !m.opts.AlignedOnly {
			if err := sink.Add(rec); err != nil {
				return err
			}
			m.unmapped++
			if secondOfPair != nil {
				if err := sink.Add(secondOfPair); err != nil {
					return err
				}
				m.unmapped++
			}
		}
	}
	if err := unaligned.Err(); err != nil {
		return err
	}
	if nextHits != nil {
		return fmt.Errorf("read %q: %w", nextHits.Name, ErrUnalignedExhaustedEarly)
	}
	if err := sink.Close(); err != nil {
		return err
	}
	reportedUnmapped := m.unmapped
	if m.opts.AlignedOnly {
		reportedUnmapped = 0
	}
	log.Printf("wrote %d alignment records and %d unmapped reads", m.aligned, reportedUnmapped)
	if m.crossSpecies > 0 {
		log.Printf("%d reads unmapped due to suspicion of cross-species contamination", m.crossSpecies)
	}
	return nil
}

// Run drives the whole merge into w. Coordinate output routes through the
// external sorter and then recomputes NM/MD/UQ for mapped records against
// ref during the sorted drain; queryname and unsorted output write
// directly. Both input iterators are closed and sort spills are discarded
// on every path. Records reach w as they are merged (queryname, unsorted)
// or as the sorted drain proceeds (coordinate), so a failure leaves the
// records written before it in w.
func (m *Merger) Run(ctx context.Context, unaligned RecordIterator, grouper *HitGrouper, w RecordWriter, ref fasta.Fasta) (err error) {
	defer func() {
		if cerr := unaligned.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := grouper.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if m.opts.SortOrder != sam.Coordinate {
		return m.Merge(ctx, unaligned, grouper, NewWriterSink(w))
	}

	srt := sorter.New(m.header, sorter.Options{
		MaxRecordsInRAM: m.opts.MaxRecordsInRAM,
		TmpDir:          m.opts.TmpDir,
	})
	defer srt.Discard()
	if err := m.Merge(ctx, unaligned, grouper, NewSortingSink(srt)); err != nil {
		return err
	}
	iter, err := srt.Sort()
	if err != nil {
		return err
	}
	defer iter.Close() // nolint: errcheck

	var walker *ReferenceWalker
	if ref != nil {
		walker = NewReferenceWalker(ref, m.header)
	}
	written := 0
	for iter.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := iter.Record()
		if walker != nil && rec.Flags&sam.Unmapped == 0 {
			bases, werr := walker.Get(rec.Ref.ID())
			if werr != nil {
				return werr
			}
			if err := FixNMMDUQ(rec, bases, m.opts.Bisulfite); err != nil {
				return err
			}
		}
		if err := w.Write(rec); err != nil {
			return err
		}
		written++
		if written%progressInterval == 0 {
			log.Debug.Printf("wrote %d records in coordinate order", written)
		}
	}
	return iter.Err()
}
