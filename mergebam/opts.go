package mergebam

import "github.com/grailbio/hts/sam"

// DefaultMaxRecordsInRAM is the sort buffer size used when
// Opts.MaxRecordsInRAM is zero.
const DefaultMaxRecordsInRAM = 500000

// UnmappingStrategy selects what happens to the standard mapping fields of
// a record that is being unmapped as a cross-species contaminant.
type UnmappingStrategy int

const (
	// DoNotChange leaves the mapping fields in place, clearing only what an
	// unmapped record must clear to stay valid.
	DoNotChange UnmappingStrategy = iota
	// DoNotChangeInvalid leaves the mapping fields in place even when the
	// result is not a valid unmapped record.
	DoNotChangeInvalid
	// CopyToTag copies the original mapping to the OA tag and otherwise
	// behaves like DoNotChange.
	CopyToTag
	// MoveToTag copies the original mapping to the OA tag and resets the
	// standard mapping fields.
	MoveToTag
)

// Three facets per strategy, indexed by the enum value.
var unmapStrategyFacets = [...]struct {
	resetMappingInformation bool
	populateOATag           bool
	keepValid               bool
}{
	DoNotChange:        {false, false, true},
	DoNotChangeInvalid: {false, false, false},
	CopyToTag:          {false, true, true},
	MoveToTag:          {true, true, true},
}

func (s UnmappingStrategy) resetsMappingInformation() bool {
	return unmapStrategyFacets[s].resetMappingInformation
}

func (s UnmappingStrategy) populatesOATag() bool {
	return unmapStrategyFacets[s].populateOATag
}

func (s UnmappingStrategy) keepsValid() bool {
	return unmapStrategyFacets[s].keepValid
}

func (s UnmappingStrategy) String() string {
	switch s {
	case DoNotChange:
		return "DoNotChange"
	case DoNotChangeInvalid:
		return "DoNotChangeInvalid"
	case CopyToTag:
		return "CopyToTag"
	case MoveToTag:
		return "MoveToTag"
	}
	return "Unknown"
}

// PairOrientation describes the relative orientation of a mapped pair.
type PairOrientation int

const (
	// FR: the positive-strand end's 5' position is leftmost (innies).
	FR PairOrientation = iota
	// RF: the negative-strand end's 5' position is leftmost (outies).
	RF
	// Tandem: both ends on the same strand.
	Tandem
)

func (o PairOrientation) String() string {
	switch o {
	case FR:
		return "FR"
	case RF:
		return "RF"
	case Tandem:
		return "TANDEM"
	}
	return "Unknown"
}

// Opts configures a Merger.
type Opts struct {
	// ClipAdapters soft clips adapter sequence marked by the XT tag on the
	// unaligned record.
	ClipAdapters bool
	// Bisulfite excludes C->T (G->A on the reverse strand) mismatches from
	// NM and UQ.
	Bisulfite bool
	// AlignedOnly drops unaligned reads that have no alignment at all.
	AlignedOnly bool

	// AttributesToRetain lists reserved aligner tags to copy anyway.
	AttributesToRetain []string
	// AttributesToRemove lists aligner tags never to copy. Remove wins over
	// retain.
	AttributesToRemove []string
	// AttributesToReverse lists tags whose values are reversed on negative
	// strand reads. Nil means the default {OQ, U2}.
	AttributesToReverse []string
	// AttributesToReverseComplement lists tags whose values are
	// reverse-complemented on negative strand reads. Nil means the default
	// {E2, SQ}.
	AttributesToReverseComplement []string

	// Read1Trim and Read2Trim are the number of bases trimmed from the 5'
	// end of each read before alignment; they are restored as soft clips.
	Read1Trim int
	Read2Trim int

	// ExpectedOrientations are the pair orientations considered proper.
	// Empty means {FR}.
	ExpectedOrientations []PairOrientation

	// SortOrder of the output: sam.Coordinate routes through the external
	// sorter and enables the NM/MD/UQ pass; sam.QueryName and sam.Unsorted
	// write directly.
	SortOrder sam.SortOrder

	// AddMateCigar maintains the MC tag on paired output.
	AddMateCigar bool

	// UnmapContaminants enables contaminant unmapping; Contaminant decides,
	// per grouped hits, whether the elected primary looks cross-species.
	UnmapContaminants bool
	UnmapStrategy     UnmappingStrategy
	Contaminant       func(h *HitsForRead) bool

	// ClipOverlapping soft clips the 3' tails of overlapping inward pairs;
	// HardClipOverlapping additionally hard clips using unclipped mate
	// coordinates, stashing removed bases in XB/XQ.
	ClipOverlapping     bool
	HardClipOverlapping bool

	// IncludeSecondary emits secondary hits.
	IncludeSecondary bool

	// KeepAlignerProperPair trusts the aligner's proper-pair flags instead
	// of recomputing them from the expected orientations.
	KeepAlignerProperPair bool

	// Program identifies this run in the output header; when ProgramID is
	// empty no program record is added. AddProgramTag chains the PG tag
	// onto every output record.
	ProgramID          string
	ProgramName        string
	ProgramCommandLine string
	ProgramVersion     string
	AddProgramTag      bool

	// MaxRecordsInRAM bounds the coordinate sort buffer; 0 means
	// DefaultMaxRecordsInRAM. TmpDir holds sort spills ("" = system tmp).
	MaxRecordsInRAM int
	TmpDir          string
}

func (o *Opts) readTrim(r *sam.Record) int {
	if r.Flags&sam.Paired == 0 || r.Flags&sam.Read1 != 0 {
		return o.Read1Trim
	}
	return o.Read2Trim
}

func (o *Opts) orientations() []PairOrientation {
	if len(o.ExpectedOrientations) == 0 {
		return []PairOrientation{FR}
	}
	return o.ExpectedOrientations
}
