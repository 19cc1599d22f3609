package mergebam

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

const crossSpeciesComment = "Cross-species contamination"

func setFlag(r *sam.Record, f sam.Flags, on bool) {
	if on {
		r.Flags |= f
	} else {
		r.Flags &^= f
	}
}

// setValuesFromAlignment copies alignment information from the aligner's
// record onto the unaligned template, preserving everything the template
// carries (read group, barcodes, original qualities) and overriding only
// the alignment core plus non-reserved tags. References are resolved by
// name so the two inputs may disagree on dictionary order.
func (m *Merger) setValuesFromAlignment(rec, alignment *sam.Record, needsSafeRC bool) error {
	if rec.Flags&sam.Unmapped == 0 {
		return fmt.Errorf("read %s: %w", rec.Name, ErrUnalignedContainsMapped)
	}
	for _, aux := range alignment.AuxFields {
		tag := aux.Tag()
		if (!IsReservedTag(tag) || m.retain[tag]) && !m.remove[tag] {
			setAux(rec, append(sam.Aux(nil), aux...))
		}
	}
	setFlag(rec, sam.Unmapped, alignment.Flags&sam.Unmapped != 0)
	if alignment.Ref != nil {
		ref, ok := m.refByName[alignment.Ref.Name()]
		if !ok {
			return fmt.Errorf("read %s: reference %q not in output header", rec.Name, alignment.Ref.Name())
		}
		rec.Ref = ref
	} else {
		rec.Ref = nil
	}
	rec.Pos = alignment.Pos
	setFlag(rec, sam.Reverse, alignment.Flags&sam.Reverse != 0)
	setFlag(rec, sam.Secondary, alignment.Flags&sam.Secondary != 0)
	setFlag(rec, sam.Supplementary, alignment.Flags&sam.Supplementary != 0)
	if alignment.Flags&sam.Unmapped == 0 {
		// The cigar may still change when clipping runs below.
		rec.Cigar = append(sam.Cigar(nil), alignment.Cigar...)
		rec.MapQ = alignment.MapQ
	}
	if rec.Flags&sam.Paired != 0 {
		setFlag(rec, sam.ProperPair, alignment.Flags&sam.ProperPair != 0)
	}
	if rec.Flags&sam.Reverse != 0 {
		reverseComplementInPlace(rec, m.revcompTags, m.reverseTags, !needsSafeRC)
	}
	return nil
}

// updateCigarForTrimmedOrClippedBases reconciles the aligner's cigar with
// the full-length template: the 5' trim and any 3' bases withheld from the
// aligner come back as soft clips, reference overhangs get clipped, and
// marked adapter sequence is clipped when configured.
func (m *Merger) updateCigarForTrimmedOrClippedBases(rec, alignment *sam.Record) error {
	trimmed := m.opts.readTrim(rec)
	notWritten := rec.Seq.Length - (alignment.Seq.Length + trimmed)
	clipIfMapsOffReferenceEnd(rec)
	rec.Cigar = addClipsToEnds(rec.Cigar, rec.Flags&sam.Reverse != 0, notWritten, trimmed)
	if m.opts.ClipAdapters {
		if xt, ok := auxInt(rec, xtTag); ok {
			if err := clip3PrimeEnd(rec, xt, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// makeUnmapped converts rec back into a valid unmapped record, restoring
// sequencer orientation first.
func (m *Merger) makeUnmapped(rec *sam.Record) {
	if rec.Flags&sam.Reverse != 0 {
		reverseComplementInPlace(rec, m.revcompTags, m.reverseTags, false)
		rec.Flags &^= sam.Reverse
	}
	rec.Flags &^= sam.Duplicate | sam.Secondary | sam.ProperPair
	rec.Flags |= sam.Unmapped
	rec.Ref = nil
	rec.Pos = -1
	rec.MapQ = 0
	rec.Cigar = nil
	rec.TempLen = 0
}

// encodeMappingInformation renders rec's alignment as the OA tag payload:
// contig,start,cigar,mapq,NM; with a missing NM encoded as an empty field.
func encodeMappingInformation(rec *sam.Record) string {
	nm := ""
	if v, ok := auxInt(rec, nmTag); ok {
		nm = strconv.Itoa(v)
	}
	contig := ""
	if rec.Ref != nil {
		contig = rec.Ref.Name()
	}
	return strings.Join([]string{
		contig,
		strconv.Itoa(alignmentStart1(rec)),
		cigarString(rec.Cigar),
		strconv.Itoa(int(rec.MapQ)),
		nm,
	}, ",") + ";"
}

func alignedBeyondReferenceEnd(aligned *sam.Record) bool {
	if aligned.Flags&sam.Unmapped != 0 || aligned.Ref == nil {
		return false
	}
	return alignmentStart1(aligned) > aligned.Ref.Len()
}

// transferAlignmentInfoToFragment copies alignment info onto the template
// and applies the post-alignment fix-ups. A record left with no aligned
// bases, or aligned entirely past the end of its reference, is unmapped
// with a warning. Contaminants are unmapped according to the configured
// strategy.
func (m *Merger) transferAlignmentInfoToFragment(rec, aligned *sam.Record, isContaminant, needsSafeRC bool) error {
	if err := m.setValuesFromAlignment(rec, aligned, needsSafeRC); err != nil {
		return err
	}
	if err := m.updateCigarForTrimmedOrClippedBases(rec, aligned); err != nil {
		return err
	}
	switch {
	case cigarMapsNoBasesToRef(rec.Cigar):
		// Covers alignments clipped down to nothing as well as hits the
		// aligner itself left unmapped; both normalize the same way.
		if rec.Flags&sam.Unmapped == 0 {
			log.Printf("read %s contains no unclipped bases; making unmapped", rec.Name)
		}
		m.makeUnmapped(rec)
	case alignedBeyondReferenceEnd(aligned):
		log.Printf("read %s mapped off end of %s; making unmapped", rec.Name, aligned.Ref.Name())
		m.makeUnmapped(rec)
	case isContaminant:
		m.crossSpecies++
		strategy := m.opts.UnmapStrategy
		if strategy.populatesOATag() {
			mustSetAuxValue(rec, oaTag, encodeMappingInformation(aligned))
		}
		if strategy.resetsMappingInformation() {
			rec.Ref = nil
			rec.Pos = -1
			removeAux(rec, nmTag)
		}
		rec.Flags |= sam.Unmapped
		// An unmapped record cannot keep a mapping quality or cigar and
		// stay valid.
		if strategy.keepsValid() {
			rec.MapQ = 0
			rec.Cigar = nil
		}
		co, _ := auxString(rec, coTag)
		if co != "" {
			co += " | "
		}
		mustSetAuxValue(rec, coTag, co+crossSpeciesComment)
	}
	return nil
}

// transferAlignmentInfoToPairedRead transfers each mapped end, then clips
// overlap, links the mates and settles the proper-pair flag.
func (m *Merger) transferAlignmentInfoToPairedRead(first, second, firstAligned, secondAligned *sam.Record, isContaminant, needsSafeRC bool) error {
	if firstAligned != nil {
		if err := m.transferAlignmentInfoToFragment(first, firstAligned, isContaminant, needsSafeRC); err != nil {
			return err
		}
	}
	if secondAligned != nil {
		if err := m.transferAlignmentInfoToFragment(second, secondAligned, isContaminant, needsSafeRC); err != nil {
			return err
		}
	}
	if m.opts.ClipOverlapping {
		if err := clipForOverlappingReads(first, second, m.opts.HardClipOverlapping); err != nil {
			return err
		}
	}
	setMateInfo(second, first, m.opts.AddMateCigar)
	if !m.opts.KeepAlignerProperPair {
		setProperPairFlags(second, first, m.opts.orientations())
	}
	return nil
}
