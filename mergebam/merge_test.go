package mergebam

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	chr1, _   = sam.NewReference("chr1", "", "", 1000, nil, nil)
	chr2, _   = sam.NewReference("chr2", "", "", 2000, nil, nil)
	header, _ = sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
)

type collectWriter struct {
	recs []*sam.Record
}

func (w *collectWriter) Write(r *sam.Record) error {
	w.recs = append(w.recs, r)
	return nil
}

func runMerge(t *testing.T, opts *Opts, unaligned, aligned []*sam.Record, ref fasta.Fasta) ([]*sam.Record, error) {
	m, err := NewMerger(header.Clone(), opts)
	require.NoError(t, err)
	w := &collectWriter{}
	grouper := NewHitGrouper(NewSliceIterator(aligned), nil, FirstPrimarySelector{})
	err = m.Run(context.Background(), NewSliceIterator(unaligned), grouper, w, ref)
	return w.recs, err
}

func mustRunMerge(t *testing.T, opts *Opts, unaligned, aligned []*sam.Record) []*sam.Record {
	recs, err := runMerge(t, opts, unaligned, aligned, nil)
	require.NoError(t, err)
	return recs
}

func pairedTemplate(name string) (first, second *sam.Record) {
	flags := sam.Paired | sam.Unmapped | sam.MateUnmapped
	first = NewRecordSeq(name, nil, -1, flags|sam.Read1, nil,
		strings.Repeat("A", 10), strings.Repeat("#", 10))
	second = NewRecordSeq(name, nil, -1, flags|sam.Read2, nil,
		strings.Repeat("A", 10), strings.Repeat("#", 10))
	return first, second
}

func alignedHit(name string, end sam.Flags, ref *sam.Reference, pos int, extra sam.Flags, cigar string) *sam.Record {
	r := NewRecordSeq(name, ref, pos, sam.Paired|end|extra, nil,
		strings.Repeat("A", 10), strings.Repeat("#", 10))
	var err error
	r.Cigar, err = parseCigar(cigar)
	if err != nil {
		panic(err)
	}
	return r
}

func TestMergeSingleFragmentHit(t *testing.T) {
	temp := unmappedTemplate("R1", 50)
	aligned := NewRecordSeq("R1", chr1, 999, 0, mustCigar(t, "50M"),
		strings.Repeat("A", 50), strings.Repeat("#", 50))
	aligned.MapQ = 60

	out := mustRunMerge(t, &Opts{SortOrder: sam.QueryName, IncludeSecondary: true},
		[]*sam.Record{temp}, []*sam.Record{aligned})
	require.Len(t, out, 1)
	r := out[0]
	assert.Zero(t, r.Flags&sam.Unmapped)
	assert.Equal(t, "chr1", r.Ref.Name())
	assert.Equal(t, 999, r.Pos)
	assert.Equal(t, "50M", cigarString(r.Cigar))
}

func TestMergePairWithSecondaries(t *testing.T) {
	first, second := pairedTemplate("A")
	aligned := []*sam.Record{
		alignedHit("A", sam.Read1, chr1, 100, 0, "10M"),
		alignedHit("A", sam.Read1, chr1, 150, sam.Secondary, "10M"),
		alignedHit("A", sam.Read1, chr1, 200, sam.Secondary, "10M"),
		alignedHit("A", sam.Read2, chr1, 400, sam.Reverse, "10M"),
		alignedHit("A", sam.Read2, chr1, 450, sam.Secondary|sam.Reverse, "10M"),
		alignedHit("A", sam.Read2, chr1, 500, sam.Secondary|sam.Reverse, "10M"),
	}

	out := mustRunMerge(t, &Opts{SortOrder: sam.QueryName, IncludeSecondary: true, ClipOverlapping: true},
		[]*sam.Record{first, second}, aligned)
	require.Len(t, out, 6)
	primaries := 0
	for _, r := range out {
		assert.Equal(t, "A", r.Name)
		assert.Zero(t, r.Flags&sam.Unmapped, "record %v", r)
		if r.Flags&sam.Secondary == 0 {
			primaries++
		}
	}
	assert.Equal(t, 2, primaries)
	// Primary slot comes first: first of pair, then second of pair.
	assert.NotZero(t, out[0].Flags&sam.Read1)
	assert.Zero(t, out[0].Flags&sam.Secondary)
	assert.NotZero(t, out[1].Flags&sam.Read2)
	assert.Zero(t, out[1].Flags&sam.Secondary)
	// Mates are linked.
	assert.Equal(t, out[1].Pos, out[0].MatePos)
	assert.Equal(t, out[0].Pos, out[1].MatePos)
}

func TestMergeExcludeSecondary(t *testing.T) {
	first, second := pairedTemplate("A")
	aligned := []*sam.Record{
		alignedHit("A", sam.Read1, chr1, 100, 0, "10M"),
		alignedHit("A", sam.Read1, chr1, 150, sam.Secondary, "10M"),
		alignedHit("A", sam.Read2, chr1, 400, sam.Reverse, "10M"),
		alignedHit("A", sam.Read2, chr1, 450, sam.Secondary|sam.Reverse, "10M"),
	}
	out := mustRunMerge(t, &Opts{SortOrder: sam.QueryName, IncludeSecondary: false},
		[]*sam.Record{first, second}, aligned)
	require.Len(t, out, 2)
	for _, r := range out {
		assert.Zero(t, r.Flags&sam.Secondary)
	}
}

func TestMergeContaminantEmitsOneUnmapped(t *testing.T) {
	temp := unmappedTemplate("R1", 10)
	aligned := []*sam.Record{
		NewRecordSeq("R1", chr1, 99, 0, mustCigar(t, "10M"),
			strings.Repeat("A", 10), strings.Repeat("#", 10)),
		NewRecordSeq("R1", chr1, 199, sam.Secondary, mustCigar(t, "10M"),
			strings.Repeat("A", 10), strings.Repeat("#", 10)),
		NewRecordSeq("R1", chr1, 299, sam.Secondary, mustCigar(t, "10M"),
			strings.Repeat("A", 10), strings.Repeat("#", 10)),
	}
	opts := &Opts{
		SortOrder:         sam.QueryName,
		IncludeSecondary:  true,
		UnmapContaminants: true,
		UnmapStrategy:     CopyToTag,
		Contaminant:       func(*HitsForRead) bool { return true },
	}
	out := mustRunMerge(t, opts, []*sam.Record{temp}, aligned)
	// Every hit is unmapped by contamination, but only the primary slot
	// emits an unmapped record.
	require.Len(t, out, 1)
	assert.NotZero(t, out[0].Flags&sam.Unmapped)
	co, _ := auxString(out[0], coTag)
	assert.Contains(t, co, "Cross-species contamination")
}

func TestMergeSupplementalLinkage(t *testing.T) {
	first, second := pairedTemplate("A")
	aligned := []*sam.Record{
		alignedHit("A", sam.Read1, chr1, 100, 0, "10M"),
		alignedHit("A", sam.Read1, chr2, 700, sam.Supplementary, "5M5S"),
		alignedHit("A", sam.Read2, chr1, 400, sam.Reverse, "10M"),
	}
	out := mustRunMerge(t, &Opts{SortOrder: sam.QueryName, IncludeSecondary: true, AddMateCigar: true},
		[]*sam.Record{first, second}, aligned)
	require.Len(t, out, 3)
	supp := out[2]
	assert.NotZero(t, supp.Flags&sam.Supplementary)
	assert.Equal(t, "chr2", supp.Ref.Name())
	// The supplemental is linked to the opposite end's primary.
	assert.Equal(t, "chr1", supp.MateRef.Name())
	assert.Equal(t, 400, supp.MatePos)
	mc, ok := auxString(supp, mcTag)
	require.True(t, ok)
	assert.Equal(t, "10M", mc)
}

func TestMergePassthroughWithoutAlignment(t *testing.T) {
	tempA := unmappedTemplate("A", 10)
	tempB := unmappedTemplate("B", 10)
	aligned := []*sam.Record{
		NewRecordSeq("A", chr1, 99, 0, mustCigar(t, "10M"),
			strings.Repeat("A", 10), strings.Repeat("#", 10)),
	}
	out := mustRunMerge(t, &Opts{SortOrder: sam.QueryName, IncludeSecondary: true},
		[]*sam.Record{tempA, tempB}, aligned)
	require.Len(t, out, 2)
	assert.Zero(t, out[0].Flags&sam.Unmapped)
	assert.NotZero(t, out[1].Flags&sam.Unmapped)
	assert.Equal(t, "B", out[1].Name)

	out = mustRunMerge(t, &Opts{SortOrder: sam.QueryName, IncludeSecondary: true, AlignedOnly: true},
		[]*sam.Record{unmappedTemplate("A", 10), unmappedTemplate("B", 10)},
		[]*sam.Record{NewRecordSeq("A", chr1, 99, 0, mustCigar(t, "10M"),
			strings.Repeat("A", 10), strings.Repeat("#", 10))})
	require.Len(t, out, 1)
	assert.Equal(t, "A", out[0].Name)
}

func TestMergeQueryNameOrderNonDecreasing(t *testing.T) {
	var unaligned, aligned []*sam.Record
	for _, name := range []string{"A", "B", "C", "D"} {
		unaligned = append(unaligned, unmappedTemplate(name, 10))
	}
	for _, name := range []string{"A", "C"} {
		aligned = append(aligned, NewRecordSeq(name, chr1, 99, 0, mustCigar(t, "10M"),
			strings.Repeat("A", 10), strings.Repeat("#", 10)))
	}
	out := mustRunMerge(t, &Opts{SortOrder: sam.QueryName, IncludeSecondary: true}, unaligned, aligned)
	require.Len(t, out, 4)
	for i := 1; i < len(out); i++ {
		assert.True(t, strings.Compare(out[i-1].Name, out[i].Name) <= 0)
	}
}

func TestMergeAlignedAhead(t *testing.T) {
	unaligned := []*sam.Record{unmappedTemplate("B", 10)}
	aligned := []*sam.Record{NewRecordSeq("A", chr1, 99, 0, mustCigar(t, "10M"),
		strings.Repeat("A", 10), strings.Repeat("#", 10))}
	_, err := runMerge(t, &Opts{SortOrder: sam.QueryName}, unaligned, aligned, nil)
	assert.True(t, errors.Is(err, ErrAlignedAhead))
}

func TestMergeUnalignedExhaustedEarly(t *testing.T) {
	unaligned := []*sam.Record{unmappedTemplate("A", 10)}
	aligned := []*sam.Record{
		NewRecordSeq("A", chr1, 99, 0, mustCigar(t, "10M"),
			strings.Repeat("A", 10), strings.Repeat("#", 10)),
		NewRecordSeq("Z", chr1, 199, 0, mustCigar(t, "10M"),
			strings.Repeat("A", 10), strings.Repeat("#", 10)),
	}
	_, err := runMerge(t, &Opts{SortOrder: sam.QueryName}, unaligned, aligned, nil)
	assert.True(t, errors.Is(err, ErrUnalignedExhaustedEarly))
}

func TestMergePairingViolations(t *testing.T) {
	first, _ := pairedTemplate("A")
	_, secondB := pairedTemplate("B")
	_, err := runMerge(t, &Opts{SortOrder: sam.QueryName},
		[]*sam.Record{first, secondB}, nil, nil)
	assert.True(t, errors.Is(err, ErrPairingViolation))

	// A paired read with no mate record at all.
	firstOnly, _ := pairedTemplate("A")
	_, err = runMerge(t, &Opts{SortOrder: sam.QueryName},
		[]*sam.Record{firstOnly}, nil, nil)
	assert.True(t, errors.Is(err, ErrPairingViolation))

	// Second of pair arriving first.
	f, s := pairedTemplate("A")
	_, err = runMerge(t, &Opts{SortOrder: sam.QueryName},
		[]*sam.Record{s, f}, nil, nil)
	assert.True(t, errors.Is(err, ErrPairingViolation))
}

func TestMergeOutOfOrderAligned(t *testing.T) {
	unaligned := []*sam.Record{unmappedTemplate("A", 10), unmappedTemplate("B", 10)}
	aligned := []*sam.Record{
		NewRecordSeq("B", chr1, 99, 0, mustCigar(t, "10M"),
			strings.Repeat("A", 10), strings.Repeat("#", 10)),
		NewRecordSeq("A", chr1, 199, 0, mustCigar(t, "10M"),
			strings.Repeat("A", 10), strings.Repeat("#", 10)),
	}
	_, err := runMerge(t, &Opts{SortOrder: sam.QueryName}, unaligned, aligned, nil)
	assert.True(t, errors.Is(err, ErrOutOfOrderAligned))
}

func TestMergeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := NewMerger(header.Clone(), &Opts{SortOrder: sam.QueryName})
	require.NoError(t, err)
	w := &collectWriter{}
	grouper := NewHitGrouper(NewSliceIterator(nil), nil, FirstPrimarySelector{})
	err = m.Run(ctx, NewSliceIterator([]*sam.Record{unmappedTemplate("A", 10)}), grouper, w, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, w.recs)
}

func TestMergeProgramRecord(t *testing.T) {
	h := header.Clone()
	opts := &Opts{
		SortOrder:      sam.QueryName,
		ProgramID:      "bio-merge-bam",
		ProgramName:    "bio-merge-bam",
		ProgramVersion: "1.0",
		AddProgramTag:  true,
	}
	m, err := NewMerger(h, opts)
	require.NoError(t, err)
	require.Len(t, h.Progs(), 1)

	w := &collectWriter{}
	grouper := NewHitGrouper(NewSliceIterator(nil), nil, FirstPrimarySelector{})
	require.NoError(t, m.Run(context.Background(),
		NewSliceIterator([]*sam.Record{unmappedTemplate("A", 10)}), grouper, w, nil))
	require.Len(t, w.recs, 1)
	pg, ok := auxString(w.recs[0], pgTag)
	require.True(t, ok)
	assert.Equal(t, "bio-merge-bam", pg)

	// Re-using the ID collides.
	_, err = NewMerger(h, opts)
	assert.True(t, errors.Is(err, ErrProgramRecordCollision))
}

func newTestFasta(t *testing.T) fasta.Fasta {
	fa, err := fasta.New(strings.NewReader(
		">chr1\n" + strings.Repeat("A", 1000) + "\n" +
			">chr2\n" + strings.Repeat("A", 2000) + "\n"))
	require.NoError(t, err)
	return fa
}

func TestMergeCoordinateSortAndFixTags(t *testing.T) {
	ref := newTestFasta(t)

	tempA := NewRecordSeq("A", nil, -1, sam.Unmapped, nil, "AACAAAAAAA", strings.Repeat("#", 10))
	tempB := unmappedTemplate("B", 10)
	tempC := unmappedTemplate("C", 10)
	aligned := []*sam.Record{
		NewRecordSeq("A", chr1, 499, 0, mustCigar(t, "10M"), "AACAAAAAAA", strings.Repeat("#", 10)),
		NewRecordSeq("B", chr1, 99, 0, mustCigar(t, "10M"),
			strings.Repeat("A", 10), strings.Repeat("#", 10)),
	}
	opts := &Opts{
		SortOrder:        sam.Coordinate,
		IncludeSecondary: true,
		MaxRecordsInRAM:  2, // force a spill
	}
	out, err := runMerge(t, opts, []*sam.Record{tempA, tempB, tempC}, aligned, ref)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "B", out[0].Name)
	assert.Equal(t, 99, out[0].Pos)
	assert.Equal(t, "A", out[1].Name)
	assert.Equal(t, 499, out[1].Pos)
	// The unmapped passthrough sorts last.
	assert.Equal(t, "C", out[2].Name)
	assert.NotZero(t, out[2].Flags&sam.Unmapped)

	// NM/MD/UQ recomputed against the all-A reference.
	nm, ok := auxInt(out[1], nmTag)
	require.True(t, ok)
	assert.Equal(t, 1, nm)
	md, _ := auxString(out[1], mdTag)
	assert.Equal(t, "2A7", md)
	uq, _ := auxInt(out[1], uqTag)
	assert.Equal(t, int('#'), uq)

	nm, _ = auxInt(out[0], nmTag)
	assert.Equal(t, 0, nm)
	md, _ = auxString(out[0], mdTag)
	assert.Equal(t, "10", md)
}
