package main

/*
  bio-merge-bam merges an unmapped BAM holding per-read metadata with the
  query-name sorted BAM an aligner produced from its base sequences, and
  writes a single BAM carrying both. See
  github.com/grailbio/mergebam/mergebam for the engine.
*/

import (
	"context"
	"flag"
	"io"
	"os"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"

	"github.com/grailbio/mergebam/mergebam"
)

var (
	unmappedPath = flag.String("unmapped-bam", "", "Unmapped BAM with the original reads and metadata")
	alignedPath  = flag.String("aligned-bam", "", "Query-name sorted BAM produced by the aligner")
	outputPath   = flag.String("output", "", "Output BAM filename")
	refPath      = flag.String("reference", "", "Reference FASTA (required for coordinate output)")
	refIndexPath = flag.String("reference-index", "", "Reference .fai index; empty reads the FASTA eagerly")

	sortOrder             = flag.String("sort-order", "coordinate", "Output order: coordinate, queryname, or unsorted")
	clipAdapters          = flag.Bool("clip-adapters", true, "Soft clip adapter sequence marked by the XT tag")
	bisulfite             = flag.Bool("bisulfite", false, "Input is bisulfite sequence; affects NM/UQ")
	alignedOnly           = flag.Bool("aligned-only", false, "Drop reads with no alignment at all")
	attributesToRetain    = flag.String("attributes-to-retain", "", "Comma-separated reserved tags to copy from the aligner anyway")
	attributesToRemove    = flag.String("attributes-to-remove", "", "Comma-separated tags never to copy from the aligner")
	read1Trim             = flag.Int("read1-trim", 0, "Bases trimmed from the 5' end of read 1 before alignment")
	read2Trim             = flag.Int("read2-trim", 0, "Bases trimmed from the 5' end of read 2 before alignment")
	expectedOrientations  = flag.String("expected-orientations", "FR", "Comma-separated proper-pair orientations (FR, RF, TANDEM)")
	addMateCigar          = flag.Bool("add-mate-cigar", true, "Maintain the MC tag on paired output")
	unmapContaminants     = flag.Bool("unmap-contaminants", false, "Unmap reads that look like cross-species contamination")
	unmapStrategy         = flag.String("unmap-strategy", "DoNotChange", "DoNotChange, DoNotChangeInvalid, CopyToTag, or MoveToTag")
	minUnclippedBases     = flag.Int("min-unclipped-bases", 32, "Primary alignments with fewer aligned bases count as contaminants")
	clipOverlapping       = flag.Bool("clip-overlapping", true, "Soft clip the 3' tails of overlapping inward pairs")
	hardClipOverlapping   = flag.Bool("hard-clip-overlapping", false, "Additionally hard clip overlap using unclipped coordinates")
	includeSecondary      = flag.Bool("include-secondary", true, "Emit secondary hits")
	keepAlignerProperPair = flag.Bool("keep-aligner-proper-pair", false, "Trust the aligner's proper-pair flags")
	programID             = flag.String("program-id", "", "Program record ID for the output header (empty adds none)")
	programName           = flag.String("program-name", "bio-merge-bam", "Program record PN")
	programVersion        = flag.String("program-version", "", "Program record VN")
	addProgramTag         = flag.Bool("add-pg-tag", true, "Chain the PG tag onto every output record")
	maxRecordsInRAM       = flag.Int("max-records-in-ram", mergebam.DefaultMaxRecordsInRAM, "Sort buffer size for coordinate output")
	tmpDir                = flag.String("tmp-dir", "", "Directory for sort spill files")
)

// bamIterator adapts an hts bam.Reader to mergebam.RecordIterator.
type bamIterator struct {
	ctx context.Context
	f   file.File
	r   *bam.Reader
	rec *sam.Record
	err error
}

func openBAM(ctx context.Context, path string) (*bamIterator, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	r, err := bam.NewReader(f.Reader(ctx), 1)
	if err != nil {
		f.Close(ctx) // nolint: errcheck
		return nil, err
	}
	return &bamIterator{ctx: ctx, f: f, r: r}, nil
}

func (it *bamIterator) Scan() bool {
	rec, err := it.r.Read()
	if err == io.EOF {
		return false
	}
	if err != nil {
		it.err = err
		return false
	}
	it.rec = rec
	return true
}

func (it *bamIterator) Record() *sam.Record { return it.rec }
func (it *bamIterator) Err() error          { return it.err }

func (it *bamIterator) Close() error {
	err := it.r.Close()
	if cerr := it.f.Close(it.ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func parseSortOrder(s string) sam.SortOrder {
	switch s {
	case "coordinate":
		return sam.Coordinate
	case "queryname":
		return sam.QueryName
	case "unsorted":
		return sam.Unsorted
	}
	log.Fatalf("unknown sort order %q", s)
	return sam.UnknownOrder
}

func parseOrientations(s string) []mergebam.PairOrientation {
	var out []mergebam.PairOrientation
	for _, o := range splitList(s) {
		switch o {
		case "FR":
			out = append(out, mergebam.FR)
		case "RF":
			out = append(out, mergebam.RF)
		case "TANDEM":
			out = append(out, mergebam.Tandem)
		default:
			log.Fatalf("unknown pair orientation %q", o)
		}
	}
	return out
}

func parseUnmapStrategy(s string) mergebam.UnmappingStrategy {
	switch s {
	case "DoNotChange":
		return mergebam.DoNotChange
	case "DoNotChangeInvalid":
		return mergebam.DoNotChangeInvalid
	case "CopyToTag":
		return mergebam.CopyToTag
	case "MoveToTag":
		return mergebam.MoveToTag
	}
	log.Fatalf("unknown unmap strategy %q", s)
	return mergebam.DoNotChange
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// buildOutputHeader combines the aligner's reference dictionary with the
// unmapped input's read groups and program records.
func buildOutputHeader(unaligned, aligned *sam.Header, order sam.SortOrder) (*sam.Header, error) {
	refs := make([]*sam.Reference, 0, len(aligned.Refs()))
	for _, ref := range aligned.Refs() {
		refs = append(refs, ref.Clone())
	}
	h, err := sam.NewHeader(nil, refs)
	if err != nil {
		return nil, err
	}
	h.SortOrder = order
	for _, rg := range unaligned.RGs() {
		if err := h.AddReadGroup(rg.Clone()); err != nil {
			return nil, err
		}
	}
	for _, p := range unaligned.Progs() {
		if err := h.AddProgram(p.Clone()); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func alignedBaseCount(c sam.Cigar) int {
	n := 0
	for _, co := range c {
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			n += co.Len()
		}
	}
	return n
}

// looksContaminated flags reads whose elected primary aligns mostly
// clipped bases, the signature of sequence from another organism.
func looksContaminated(h *mergebam.HitsForRead, minBases int) bool {
	for _, hits := range [2][]*sam.Record{h.FirstOfPairOrFragment, h.SecondOfPair} {
		for _, r := range hits {
			if r.Flags&sam.Secondary != 0 || r.Flags&sam.Unmapped != 0 {
				continue
			}
			if alignedBaseCount(r.Cigar) < minBases {
				return true
			}
		}
	}
	return false
}

func openFasta(ctx context.Context, path, indexPath string) (fasta.Fasta, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if indexPath == "" {
		return fasta.New(f.Reader(ctx))
	}
	idx, err := file.Open(ctx, indexPath)
	if err != nil {
		return nil, err
	}
	return fasta.NewIndexed(f.Reader(ctx), idx.Reader(ctx))
}

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() > 0 {
		a := flag.Args()
		log.Fatalf("unparsed flags, please check flag syntax: '%s'", strings.Join(a[len(a)-flag.NArg():], " "))
	}
	if *unmappedPath == "" || *alignedPath == "" || *outputPath == "" {
		log.Fatalf("-unmapped-bam, -aligned-bam and -output are required")
	}

	ctx := vcontext.Background()
	order := parseSortOrder(*sortOrder)

	unaligned, err := openBAM(ctx, *unmappedPath)
	if err != nil {
		log.Fatalf("open %s: %v", *unmappedPath, err)
	}
	aligned, err := openBAM(ctx, *alignedPath)
	if err != nil {
		log.Fatalf("open %s: %v", *alignedPath, err)
	}

	header, err := buildOutputHeader(unaligned.r.Header(), aligned.r.Header(), order)
	if err != nil {
		log.Fatalf("building output header: %v", err)
	}

	opts := &mergebam.Opts{
		ClipAdapters:          *clipAdapters,
		Bisulfite:             *bisulfite,
		AlignedOnly:           *alignedOnly,
		AttributesToRetain:    splitList(*attributesToRetain),
		AttributesToRemove:    splitList(*attributesToRemove),
		Read1Trim:             *read1Trim,
		Read2Trim:             *read2Trim,
		ExpectedOrientations:  parseOrientations(*expectedOrientations),
		SortOrder:             order,
		AddMateCigar:          *addMateCigar,
		UnmapContaminants:     *unmapContaminants,
		UnmapStrategy:         parseUnmapStrategy(*unmapStrategy),
		ClipOverlapping:       *clipOverlapping,
		HardClipOverlapping:   *hardClipOverlapping,
		IncludeSecondary:      *includeSecondary,
		KeepAlignerProperPair: *keepAlignerProperPair,
		ProgramID:             *programID,
		ProgramName:           *programName,
		ProgramCommandLine:    strings.Join(os.Args, " "),
		ProgramVersion:        *programVersion,
		AddProgramTag:         *addProgramTag,
		MaxRecordsInRAM:       *maxRecordsInRAM,
		TmpDir:                *tmpDir,
	}
	if *unmapContaminants {
		minBases := *minUnclippedBases
		opts.Contaminant = func(h *mergebam.HitsForRead) bool {
			return looksContaminated(h, minBases)
		}
	}

	var ref fasta.Fasta
	if order == sam.Coordinate {
		if *refPath == "" {
			log.Fatalf("-reference is required for coordinate output")
		}
		if ref, err = openFasta(ctx, *refPath, *refIndexPath); err != nil {
			log.Fatalf("open %s: %v", *refPath, err)
		}
	}

	merger, err := mergebam.NewMerger(header, opts)
	if err != nil {
		log.Fatalf("%v", err)
	}

	out, err := file.Create(ctx, *outputPath)
	if err != nil {
		log.Fatalf("create %s: %v", *outputPath, err)
	}
	w, err := bam.NewWriter(out.Writer(ctx), header, 1)
	if err != nil {
		log.Fatalf("%s: %v", *outputPath, err)
	}

	grouper := mergebam.NewHitGrouper(aligned, nil, mergebam.FirstPrimarySelector{})
	if err := merger.Run(ctx, unaligned, grouper, w, ref); err != nil {
		log.Fatalf("merge failed: %v", err)
	}
	if err := w.Close(); err != nil {
		log.Fatalf("close %s: %v", *outputPath, err)
	}
	if err := out.Close(ctx); err != nil {
		log.Fatalf("close %s: %v", *outputPath, err)
	}
	log.Debug.Printf("exiting")
}
