package mergebam

import (
	"fmt"
	"strconv"

	"github.com/grailbio/hts/sam"
)

// hasQualities reports whether r carries real base qualities rather than
// the all-0xff "missing" sentinel.
func hasQualities(r *sam.Record) bool {
	if len(r.Qual) == 0 {
		return false
	}
	for _, q := range r.Qual {
		if q != 0xff {
			return true
		}
	}
	return false
}

func upperBase(b byte) byte {
	if 'a' <= b && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

// isBisulfiteConverted reports a mismatch explained by bisulfite
// conversion: C read as T on the forward strand, G read as A on the
// reverse strand.
func isBisulfiteConverted(read, ref byte, negStrand bool) bool {
	if negStrand {
		return ref == 'G' && read == 'A'
	}
	return ref == 'C' && read == 'T'
}

// FixNMMDUQ recomputes the NM, MD and UQ tags of rec against refBases,
// the full contig the record aligns to. NM counts mismatched, inserted
// and deleted bases; MD is the standard mismatch string; UQ sums the base
// qualities at mismatches. In bisulfite mode converted bases still appear
// in MD but are excluded from NM and UQ.
//
// Unmapped records and records without base qualities are left untouched.
func FixNMMDUQ(rec *sam.Record, refBases []byte, bisulfite bool) error {
	if rec.Flags&sam.Unmapped != 0 || !hasQualities(rec) {
		return nil
	}
	if end := rec.Pos + refSpan(rec.Cigar); end > len(refBases) {
		return fmt.Errorf("read %s: alignment ends at %d but %s has %d bases",
			rec.Name, end, rec.Ref.Name(), len(refBases))
	}
	seq := rec.Seq.Expand()
	neg := rec.Flags&sam.Reverse != 0

	md := make([]byte, 0, 16)
	matchRun := 0
	nm := 0
	uq := 0
	refPos := rec.Pos
	readPos := 0
	for _, co := range rec.Cigar {
		n := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for i := 0; i < n; i++ {
				readBase := upperBase(seq[readPos+i])
				refBase := upperBase(refBases[refPos+i])
				if readBase == refBase {
					matchRun++
					continue
				}
				md = strconv.AppendInt(md, int64(matchRun), 10)
				md = append(md, refBase)
				matchRun = 0
				if bisulfite && isBisulfiteConverted(readBase, refBase, neg) {
					continue
				}
				nm++
				uq += int(rec.Qual[readPos+i])
			}
			refPos += n
			readPos += n
		case sam.CigarInsertion:
			nm += n
			readPos += n
		case sam.CigarSoftClipped:
			readPos += n
		case sam.CigarDeletion:
			md = strconv.AppendInt(md, int64(matchRun), 10)
			md = append(md, '^')
			for i := 0; i < n; i++ {
				md = append(md, upperBase(refBases[refPos+i]))
			}
			matchRun = 0
			nm += n
			refPos += n
		case sam.CigarSkipped:
			refPos += n
		}
	}
	md = strconv.AppendInt(md, int64(matchRun), 10)

	if err := setAuxValue(rec, nmTag, nm); err != nil {
		return err
	}
	if err := setAuxValue(rec, mdTag, string(md)); err != nil {
		return err
	}
	return setAuxValue(rec, uqTag, uq)
}
