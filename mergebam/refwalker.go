package mergebam

import (
	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

// ReferenceWalker hands out whole reference contigs by reference index,
// holding on to the current contig so the coordinate-sorted NM/MD/UQ pass
// touches each contig once. Access must be by non-decreasing index.
type ReferenceWalker struct {
	fa    fasta.Fasta
	refs  []*sam.Reference
	cur   int
	bases []byte
}

// NewReferenceWalker builds a walker over fa using header's reference
// dictionary to translate indexes to sequence names.
func NewReferenceWalker(fa fasta.Fasta, header *sam.Header) *ReferenceWalker {
	return &ReferenceWalker{fa: fa, refs: header.Refs(), cur: -1}
}

// Get returns the bases of the reference with the given index.
func (w *ReferenceWalker) Get(refID int) ([]byte, error) {
	if refID == w.cur {
		return w.bases, nil
	}
	if refID < w.cur {
		return nil, errors.Errorf("reference walker: non-monotone access, %d after %d", refID, w.cur)
	}
	if refID < 0 || refID >= len(w.refs) {
		return nil, errors.Errorf("reference walker: index %d outside dictionary of %d", refID, len(w.refs))
	}
	name := w.refs[refID].Name()
	n, err := w.fa.Len(name)
	if err != nil {
		return nil, errors.Wrapf(err, "reference walker: length of %s", name)
	}
	seq, err := w.fa.Get(name, 0, n)
	if err != nil {
		return nil, errors.Wrapf(err, "reference walker: reading %s", name)
	}
	w.cur = refID
	w.bases = []byte(seq)
	return w.bases, nil
}
