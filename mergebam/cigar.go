package mergebam

import (
	"fmt"
	"strconv"

	"github.com/grailbio/bio/biosimd"
	"github.com/grailbio/hts/sam"
)

func queryLen(c sam.Cigar) int {
	n := 0
	for _, co := range c {
		n += co.Len() * co.Type().Consumes().Query
	}
	return n
}

func refSpan(c sam.Cigar) int {
	n := 0
	for _, co := range c {
		n += co.Len() * co.Type().Consumes().Reference
	}
	return n
}

func cigarString(c sam.Cigar) string {
	if len(c) == 0 {
		return "*"
	}
	var buf []byte
	for _, co := range c {
		buf = strconv.AppendInt(buf, int64(co.Len()), 10)
		buf = append(buf, co.Type().String()...)
	}
	return string(buf)
}

func cigarOpTypeFor(b byte) (sam.CigarOpType, bool) {
	switch b {
	case 'M':
		return sam.CigarMatch, true
	case 'I':
		return sam.CigarInsertion, true
	case 'D':
		return sam.CigarDeletion, true
	case 'N':
		return sam.CigarSkipped, true
	case 'S':
		return sam.CigarSoftClipped, true
	case 'H':
		return sam.CigarHardClipped, true
	case 'P':
		return sam.CigarPadded, true
	case '=':
		return sam.CigarEqual, true
	case 'X':
		return sam.CigarMismatch, true
	}
	return 0, false
}

func parseCigar(s string) (sam.Cigar, error) {
	if s == "*" || s == "" {
		return nil, nil
	}
	var c sam.Cigar
	n := 0
	sawLen := false
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b >= '0' && b <= '9' {
			n = n*10 + int(b-'0')
			sawLen = true
			continue
		}
		t, ok := cigarOpTypeFor(b)
		if !ok || !sawLen {
			return nil, fmt.Errorf("invalid cigar string %q", s)
		}
		c = append(c, sam.NewCigarOp(t, n))
		n = 0
		sawLen = false
	}
	if sawLen {
		return nil, fmt.Errorf("invalid cigar string %q", s)
	}
	return c, nil
}

func reversedCigar(c sam.Cigar) sam.Cigar {
	out := make(sam.Cigar, len(c))
	for i, co := range c {
		out[len(c)-1-i] = co
	}
	return out
}

// cigarMapsNoBasesToRef reports whether no read base aligns to the
// reference (the cigar has no M/=/X element).
func cigarMapsNoBasesToRef(c sam.Cigar) bool {
	for _, co := range c {
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			return false
		}
	}
	return true
}

// clipTail rewrites c so that every query base beyond the first keep
// becomes a single op clip. Deletions and skips at or past the boundary
// are dropped; an existing terminal hard clip stays terminal.
func clipTail(c sam.Cigar, keep int, op sam.CigarOpType) sam.Cigar {
	clip := queryLen(c) - keep
	if clip <= 0 {
		return c
	}
	hardTail := 0
	body := c
	if n := len(body); n > 0 && body[n-1].Type() == sam.CigarHardClipped {
		hardTail = body[n-1].Len()
		body = body[:n-1]
	}
	out := make(sam.Cigar, 0, len(c)+1)
	if len(body) > 0 && body[0].Type() == sam.CigarHardClipped {
		out = append(out, body[0])
		body = body[1:]
	}
	q := 0
	for _, co := range body {
		if q >= keep {
			break
		}
		t := co.Type()
		if t.Consumes().Query > 0 {
			if q+co.Len() <= keep {
				out = append(out, co)
				q += co.Len()
			} else {
				out = append(out, sam.NewCigarOp(t, keep-q))
				q = keep
			}
			continue
		}
		out = append(out, co)
	}
	if n := len(out); n > 0 && out[n-1].Type() == op {
		out[n-1] = sam.NewCigarOp(op, out[n-1].Len()+clip)
	} else {
		out = append(out, sam.NewCigarOp(op, clip))
	}
	if hardTail > 0 {
		if op == sam.CigarHardClipped {
			out[len(out)-1] = sam.NewCigarOp(op, out[len(out)-1].Len()+hardTail)
		} else {
			out = append(out, sam.NewCigarOp(sam.CigarHardClipped, hardTail))
		}
	}
	return out
}

// stashClippedBases copies the to-be-hard-clipped window into the XB/XQ
// tags in sequencer order (reverse-complemented and reversed for negative
// strand reads). clipFrom is 1-based and counted 5'->3' along the read as
// sequenced.
func stashClippedBases(rec *sam.Record, clipFrom int) error {
	if rec.AuxFields.Get(xbTag) != nil || rec.AuxFields.Get(xqTag) != nil {
		return fmt.Errorf("read %s: %w", rec.Name, ErrHardClipTagCollision)
	}
	readLen := rec.Seq.Length
	neg := rec.Flags&sam.Reverse != 0
	var from, to int
	if neg {
		from, to = 0, readLen-clipFrom+1
	} else {
		from, to = clipFrom-1, readLen
	}
	bases := append([]byte(nil), rec.Seq.Expand()[from:to]...)
	quals := append([]byte(nil), rec.Qual[from:to]...)
	if neg {
		biosimd.ReverseComp8Inplace(bases)
		reverseBytes(quals)
	}
	mustSetAuxValue(rec, xbTag, string(bases))
	mustSetAuxValue(rec, xqTag, phredToFastq(quals))
	return nil
}

// clip3PrimeEnd clips the 3' end of rec starting at the 1-based read
// position clipFrom, counted 5'->3' in sequencing order. On a negative
// strand record the clip therefore lands at the stored front and the
// alignment start advances by the reference length removed. Hard clipping
// stashes the removed bases and qualities in XB/XQ and deletes them from
// the record.
func clip3PrimeEnd(rec *sam.Record, clipFrom int, hard bool) error {
	readLen := rec.Seq.Length
	if clipFrom < 1 || readLen-clipFrom+1 <= 0 {
		return nil
	}
	clipLen := readLen - clipFrom + 1
	neg := rec.Flags&sam.Reverse != 0
	if hard {
		if err := stashClippedBases(rec, clipFrom); err != nil {
			return err
		}
	}
	op := sam.CigarSoftClipped
	if hard {
		op = sam.CigarHardClipped
	}
	oldRefSpan := refSpan(rec.Cigar)
	cig := rec.Cigar
	if neg {
		cig = reversedCigar(cig)
	}
	cig = clipTail(cig, clipFrom-1, op)
	if neg {
		cig = reversedCigar(cig)
	}
	if neg {
		rec.Pos += oldRefSpan - refSpan(cig)
	}
	rec.Cigar = cig
	if hard {
		bases := rec.Seq.Expand()
		if neg {
			rec.Seq = sam.NewSeq(bases[clipLen:])
			rec.Qual = append([]byte(nil), rec.Qual[clipLen:]...)
		} else {
			rec.Seq = sam.NewSeq(bases[:readLen-clipLen])
			rec.Qual = rec.Qual[:readLen-clipLen]
		}
	}
	return nil
}

// leadingSoftClip is the length of the soft clip at the stored front,
// skipping over a leading hard clip.
func leadingSoftClip(c sam.Cigar) int {
	for _, co := range c {
		switch co.Type() {
		case sam.CigarHardClipped:
			continue
		case sam.CigarSoftClipped:
			return co.Len()
		default:
			return 0
		}
	}
	return 0
}

func leadingClipLen(c sam.Cigar) int {
	n := 0
	for _, co := range c {
		t := co.Type()
		if t != sam.CigarSoftClipped && t != sam.CigarHardClipped {
			break
		}
		n += co.Len()
	}
	return n
}

func trailingClipLen(c sam.Cigar) int {
	n := 0
	for i := len(c) - 1; i >= 0; i-- {
		t := c[i].Type()
		if t != sam.CigarSoftClipped && t != sam.CigarHardClipped {
			break
		}
		n += c[i].Len()
	}
	return n
}

// 1-based alignment boundaries, with and without clips.
func alignmentStart1(r *sam.Record) int { return r.Pos + 1 }
func alignmentEnd1(r *sam.Record) int   { return r.Pos + refSpan(r.Cigar) }
func unclippedStart1(r *sam.Record) int { return alignmentStart1(r) - leadingClipLen(r.Cigar) }
func unclippedEnd1(r *sam.Record) int   { return alignmentEnd1(r) + trailingClipLen(r.Cigar) }

// readPosAtRefIgnoringSoftClips returns the 1-based position in the stored
// read aligned to the 1-based reference position refPos1, treating soft
// clips as if they matched the reference. A position inside a deletion
// resolves to the last read base before it; 0 means the position does not
// touch the read.
func readPosAtRefIgnoringSoftClips(rec *sam.Record, refPos1 int) int {
	effStart := alignmentStart1(rec) - leadingSoftClip(rec.Cigar)
	if refPos1 < effStart {
		return 0
	}
	readPos := 1
	refCursor := effStart
	for _, co := range rec.Cigar {
		n := co.Len()
		switch co.Type() {
		case sam.CigarSoftClipped, sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			if refPos1 < refCursor+n {
				return readPos + (refPos1 - refCursor)
			}
			refCursor += n
			readPos += n
		case sam.CigarInsertion:
			readPos += n
		case sam.CigarDeletion, sam.CigarSkipped:
			if refPos1 < refCursor+n {
				if readPos == 1 {
					return 0
				}
				return readPos - 1
			}
			refCursor += n
		}
	}
	return 0
}

// clipOverhangCigar soft clips the part of an alignment that hangs past
// the end of its reference. An existing terminal soft clip is absorbed
// into the new one. Returns nil when nothing hangs over.
func clipOverhangCigar(c sam.Cigar, alignEnd1, refLen int) sam.Cigar {
	overhang := alignEnd1 - refLen
	if overhang <= 0 || len(c) == 0 {
		return nil
	}
	clipFrom := queryLen(c) - overhang + 1
	if last := c[len(c)-1]; last.Type() == sam.CigarSoftClipped {
		clipFrom -= last.Len()
	}
	return clipTail(c, clipFrom-1, sam.CigarSoftClipped)
}

// clipIfMapsOffReferenceEnd rewrites the record cigar, and the MC mate
// cigar when present, so that neither extends past the end of its
// reference.
func clipIfMapsOffReferenceEnd(rec *sam.Record) {
	if rec.Flags&sam.Unmapped == 0 && rec.Ref != nil {
		if nc := clipOverhangCigar(rec.Cigar, alignmentEnd1(rec), rec.Ref.Len()); nc != nil {
			rec.Cigar = nc
		}
	}
	if rec.Flags&sam.Paired == 0 || rec.Flags&sam.MateUnmapped != 0 || rec.MateRef == nil {
		return
	}
	mc, ok := auxString(rec, mcTag)
	if !ok {
		return
	}
	mcig, err := parseCigar(mc)
	if err != nil || len(mcig) == 0 {
		return
	}
	mateEnd1 := rec.MatePos + refSpan(mcig)
	if nc := clipOverhangCigar(mcig, mateEnd1, rec.MateRef.Len()); nc != nil {
		mustSetAuxValue(rec, mcTag, cigarString(nc))
	}
}

// addClipsToEnds re-adds soft clips for bases the aligner never saw:
// trimmed bases at the 5' end of the read as sequenced and unwritten bases
// at its 3' end. Existing soft clips are extended rather than stacked.
func addClipsToEnds(c sam.Cigar, neg bool, notWritten, trimmed int) sam.Cigar {
	if notWritten <= 0 && trimmed <= 0 {
		return c
	}
	front, back := trimmed, notWritten
	if neg {
		front, back = notWritten, trimmed
	}
	out := append(sam.Cigar(nil), c...)
	if back > 0 {
		i := len(out)
		if i > 0 && out[i-1].Type() == sam.CigarHardClipped {
			i--
		}
		if i > 0 && out[i-1].Type() == sam.CigarSoftClipped {
			out[i-1] = sam.NewCigarOp(sam.CigarSoftClipped, out[i-1].Len()+back)
		} else {
			out = append(out[:i], append(sam.Cigar{sam.NewCigarOp(sam.CigarSoftClipped, back)}, out[i:]...)...)
		}
	}
	if front > 0 {
		i := 0
		if len(out) > 0 && out[0].Type() == sam.CigarHardClipped {
			i = 1
		}
		if i < len(out) && out[i].Type() == sam.CigarSoftClipped {
			out[i] = sam.NewCigarOp(sam.CigarSoftClipped, out[i].Len()+front)
		} else {
			rest := append(sam.Cigar{sam.NewCigarOp(sam.CigarSoftClipped, front)}, out[i:]...)
			out = append(out[:i], rest...)
		}
	}
	return out
}
