package mergebam

import "github.com/grailbio/hts/sam"

func bothOnSameReference(a, b *sam.Record) bool {
	return a.Ref != nil && b.Ref != nil && a.Ref.Name() == b.Ref.Name()
}

func overlaps(a, b *sam.Record) bool {
	return bothOnSameReference(a, b) &&
		alignmentStart1(a) <= alignmentEnd1(b) &&
		alignmentStart1(b) <= alignmentEnd1(a)
}

// clipForOverlappingReads clips an inward-facing pair whose alignments
// overlap so that neither read's 3' end extends past the 5' start of its
// mate. The first pass soft clips to the aligned boundaries; with hardClip
// the 3' ends are then additionally hard clipped to the unclipped
// boundaries, stashing the removed bases in XB/XQ. Running it again on an
// already-clipped pair finds nothing left to clip.
func clipForOverlappingReads(read1, read2 *sam.Record, hardClip bool) error {
	if read1.Flags&sam.Unmapped != 0 || read2.Flags&sam.Unmapped != 0 {
		return nil
	}
	if read1.Flags&sam.Reverse == read2.Flags&sam.Reverse {
		return nil
	}
	if !overlaps(read1, read2) {
		return nil
	}
	pos, neg := read1, read2
	if read1.Flags&sam.Reverse != 0 {
		pos, neg = read2, read1
	}
	if err := clip3PrimeEndsTo5PrimeEnds(pos, neg, false, false); err != nil {
		return err
	}
	if hardClip {
		return clip3PrimeEndsTo5PrimeEnds(pos, neg, true, true)
	}
	return nil
}

// clip3PrimeEndsTo5PrimeEnds clips the 3' end of the positive strand read
// back to the negative read's end, and the 3' end of the negative strand
// read back to the positive read's start. The positive side asks for the
// 3'-most base to keep and clips one past it, because the lookup resolves
// a position inside a deletion to the base before it.
func clip3PrimeEndsTo5PrimeEnds(pos, neg *sam.Record, hardClip, useUnclippedEnds bool) error {
	negEnd := alignmentEnd1(neg)
	posStart := alignmentStart1(pos)
	if useUnclippedEnds {
		negEnd = unclippedEnd1(neg)
		posStart = unclippedStart1(pos)
	}

	pos3PrimeMostUnclipped := readPosAtRefIgnoringSoftClips(pos, negEnd)
	if pos3PrimeMostUnclipped > 0 && pos3PrimeMostUnclipped < pos.Seq.Length {
		if err := clip3PrimeEnd(pos, pos3PrimeMostUnclipped+1, hardClip); err != nil {
			return err
		}
	}

	// For the negative strand the lookup already lands on the 5'-most base
	// to clip; convert it from stored position to distance from the 5' end.
	neg5FromStart := readPosAtRefIgnoringSoftClips(neg, posStart-1)
	if neg5FromStart > 0 {
		return clip3PrimeEnd(neg, neg.Seq.Length+1-neg5FromStart, hardClip)
	}
	return nil
}

// computeInsertSize returns the signed template length measured from the
// 5' end of first to the 5' end of second, inclusive of both.
func computeInsertSize(first, second *sam.Record) int {
	if first.Flags&sam.Unmapped != 0 || second.Flags&sam.Unmapped != 0 {
		return 0
	}
	if !bothOnSameReference(first, second) {
		return 0
	}
	first5 := alignmentStart1(first)
	if first.Flags&sam.Reverse != 0 {
		first5 = alignmentEnd1(first)
	}
	second5 := alignmentStart1(second)
	if second.Flags&sam.Reverse != 0 {
		second5 = alignmentEnd1(second)
	}
	if second5 >= first5 {
		return second5 - first5 + 1
	}
	return second5 - first5 - 1
}

// setMateInfo points each record's mate fields at the other, fixes the MQ
// and MC tags, and sets the template length. An unmapped end adopts its
// mapped mate's coordinate so the pair stays together under coordinate
// sorting.
func setMateInfo(rec1, rec2 *sam.Record, setMateCigar bool) {
	unmapped1 := rec1.Flags&sam.Unmapped != 0
	unmapped2 := rec2.Flags&sam.Unmapped != 0
	switch {
	case !unmapped1 && !unmapped2:
		rec1.MateRef = rec2.Ref
		rec1.MatePos = rec2.Pos
		setFlag(rec1, sam.MateReverse, rec2.Flags&sam.Reverse != 0)
		setFlag(rec1, sam.MateUnmapped, false)
		mustSetAuxValue(rec1, mqTag, int(rec2.MapQ))

		rec2.MateRef = rec1.Ref
		rec2.MatePos = rec1.Pos
		setFlag(rec2, sam.MateReverse, rec1.Flags&sam.Reverse != 0)
		setFlag(rec2, sam.MateUnmapped, false)
		mustSetAuxValue(rec2, mqTag, int(rec1.MapQ))

		insert := computeInsertSize(rec1, rec2)
		rec1.TempLen = insert
		rec2.TempLen = -insert

		if setMateCigar {
			mustSetAuxValue(rec1, mcTag, cigarString(rec2.Cigar))
			mustSetAuxValue(rec2, mcTag, cigarString(rec1.Cigar))
		} else {
			removeAux(rec1, mcTag)
			removeAux(rec2, mcTag)
		}

	case unmapped1 && unmapped2:
		for _, pair := range [][2]*sam.Record{{rec1, rec2}, {rec2, rec1}} {
			r, mate := pair[0], pair[1]
			r.Ref = nil
			r.Pos = -1
			r.MateRef = nil
			r.MatePos = -1
			setFlag(r, sam.MateReverse, mate.Flags&sam.Reverse != 0)
			setFlag(r, sam.MateUnmapped, true)
			r.TempLen = 0
			removeAux(r, mqTag, mcTag)
		}

	default:
		mapped, unmapped := rec1, rec2
		if unmapped1 {
			mapped, unmapped = rec2, rec1
		}
		unmapped.Ref = mapped.Ref
		unmapped.Pos = mapped.Pos

		mapped.MateRef = unmapped.Ref
		mapped.MatePos = unmapped.Pos
		setFlag(mapped, sam.MateReverse, unmapped.Flags&sam.Reverse != 0)
		setFlag(mapped, sam.MateUnmapped, true)
		mapped.TempLen = 0
		removeAux(mapped, mqTag, mcTag)

		unmapped.MateRef = mapped.Ref
		unmapped.MatePos = mapped.Pos
		setFlag(unmapped, sam.MateReverse, mapped.Flags&sam.Reverse != 0)
		setFlag(unmapped, sam.MateUnmapped, false)
		unmapped.TempLen = 0
		mustSetAuxValue(unmapped, mqTag, int(mapped.MapQ))
		if setMateCigar {
			mustSetAuxValue(unmapped, mcTag, cigarString(mapped.Cigar))
		} else {
			removeAux(unmapped, mcTag)
		}
	}
}

// pairOrientation classifies a mapped, opposite-or-same strand pair.
func pairOrientation(r1, r2 *sam.Record) PairOrientation {
	neg1 := r1.Flags&sam.Reverse != 0
	neg2 := r2.Flags&sam.Reverse != 0
	if neg1 == neg2 {
		return Tandem
	}
	pos, neg := r1, r2
	if neg1 {
		pos, neg = r2, r1
	}
	if alignmentStart1(pos) <= alignmentEnd1(neg) {
		return FR
	}
	return RF
}

// setProperPairFlags recomputes the proper-pair flag on both ends: proper
// means both mapped, on the same reference, with an expected orientation.
func setProperPairFlags(rec1, rec2 *sam.Record, expected []PairOrientation) {
	proper := false
	if rec1.Flags&sam.Unmapped == 0 && rec2.Flags&sam.Unmapped == 0 && bothOnSameReference(rec1, rec2) {
		o := pairOrientation(rec1, rec2)
		for _, e := range expected {
			if e == o {
				proper = true
				break
			}
		}
	}
	setFlag(rec1, sam.ProperPair, proper)
	setFlag(rec2, sam.ProperPair, proper)
}

// setMateInfoOnSupplemental links a supplementary hit to the primary hit
// of the opposite end.
func setMateInfoOnSupplemental(supp, matePrimary *sam.Record, setMateCigar bool) {
	supp.MateRef = matePrimary.Ref
	supp.MatePos = matePrimary.Pos
	setFlag(supp, sam.MateReverse, matePrimary.Flags&sam.Reverse != 0)
	setFlag(supp, sam.MateUnmapped, matePrimary.Flags&sam.Unmapped != 0)
	if setMateCigar && matePrimary.Flags&sam.Unmapped == 0 {
		mustSetAuxValue(supp, mcTag, cigarString(matePrimary.Cigar))
	} else {
		removeAux(supp, mcTag)
	}
	supp.TempLen = computeInsertSize(supp, matePrimary)
}
