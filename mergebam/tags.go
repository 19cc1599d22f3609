package mergebam

import (
	"fmt"

	"github.com/grailbio/bio/biosimd"
	gbam "github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/hts/sam"
)

var (
	pgTag = sam.Tag{'P', 'G'}
	oaTag = sam.Tag{'O', 'A'}
	coTag = sam.Tag{'C', 'O'}
	xbTag = sam.Tag{'X', 'B'}
	xqTag = sam.Tag{'X', 'Q'}
	xtTag = sam.Tag{'X', 'T'}
	nmTag = sam.Tag{'N', 'M'}
	mdTag = sam.Tag{'M', 'D'}
	uqTag = sam.Tag{'U', 'Q'}
	mcTag = sam.Tag{'M', 'C'}
	mqTag = sam.Tag{'M', 'Q'}
)

// Tags reversed / reverse-complemented on negative strand reads unless the
// caller overrides the sets.
var (
	defaultReverseTags           = []string{"OQ", "U2"}
	defaultReverseComplementTags = []string{"E2", "SQ"}
)

// IsReservedTag reports whether a tag belongs to the unaligned template:
// tags starting with a lowercase letter are user defined, and X/Y/Z are
// reserved for local use. Reserved tags are never overridden by aligner
// values unless explicitly retained.
func IsReservedTag(t sam.Tag) bool {
	switch c := t[0]; {
	case c >= 'a' && c <= 'z':
		return true
	case c == 'X' || c == 'Y' || c == 'Z':
		return true
	}
	return false
}

// CloneRecord returns a deep copy of r from the hts free pool. The
// reference pointers are shared; cigar, sequence, qualities and aux fields
// are copied so the clone can be mutated independently.
func CloneRecord(r *sam.Record) *sam.Record {
	c := sam.GetFromFreePool()
	c.Name = r.Name
	c.Ref = r.Ref
	c.Pos = r.Pos
	c.MapQ = r.MapQ
	c.Flags = r.Flags
	c.MateRef = r.MateRef
	c.MatePos = r.MatePos
	c.TempLen = r.TempLen
	if r.Cigar != nil {
		c.Cigar = append(sam.Cigar(nil), r.Cigar...)
	}
	c.Seq = sam.Seq{Length: r.Seq.Length, Seq: append([]sam.Doublet(nil), r.Seq.Seq...)}
	if r.Qual != nil {
		c.Qual = append([]byte(nil), r.Qual...)
	}
	if r.AuxFields != nil {
		aux := make([]sam.Aux, 0, len(r.AuxFields))
		for _, a := range r.AuxFields {
			aux = append(aux, append(sam.Aux(nil), a...))
		}
		c.AuxFields = aux
	}
	return c
}

func setAux(r *sam.Record, aux sam.Aux) {
	tag := aux.Tag()
	for i, a := range r.AuxFields {
		if a.Tag() == tag {
			r.AuxFields[i] = aux
			return
		}
	}
	r.AuxFields = append(r.AuxFields, aux)
}

func setAuxValue(r *sam.Record, tag sam.Tag, value interface{}) error {
	aux, err := sam.NewAux(tag, value)
	if err != nil {
		return fmt.Errorf("building %v tag for %s: %v", tag, r.Name, err)
	}
	setAux(r, aux)
	return nil
}

func mustSetAuxValue(r *sam.Record, tag sam.Tag, value interface{}) {
	if err := setAuxValue(r, tag, value); err != nil {
		panic(err)
	}
}

func removeAux(r *sam.Record, tags ...sam.Tag) {
	gbam.ClearAuxTags(r, tags)
}

func auxString(r *sam.Record, tag sam.Tag) (string, bool) {
	aux := r.AuxFields.Get(tag)
	if aux == nil {
		return "", false
	}
	s, ok := aux.Value().(string)
	return s, ok
}

// auxInt widens any of the SAM integer aux types.
func auxInt(r *sam.Record, tag sam.Tag) (int, bool) {
	aux := r.AuxFields.Get(tag)
	if aux == nil {
		return 0, false
	}
	switch v := aux.Value().(type) {
	case int8:
		return int(v), true
	case uint8:
		return int(v), true
	case int16:
		return int(v), true
	case uint16:
		return int(v), true
	case int32:
		return int(v), true
	case uint32:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// auxArrayWidth returns the element width for a B-array subtype.
func auxArrayWidth(subtype byte) int {
	switch subtype {
	case 'c', 'C':
		return 1
	case 's', 'S':
		return 2
	case 'i', 'I', 'f':
		return 4
	}
	return 0
}

// reverseAuxValue reverses an aux value in place: Z and H payloads
// bytewise, B arrays element-wise. Other types are symmetric under
// reversal and left alone.
func reverseAuxValue(aux sam.Aux) {
	switch aux.Type() {
	case 'Z', 'H':
		reverseBytes(aux[3:])
	case 'B':
		w := auxArrayWidth(aux[3])
		if w == 0 {
			return
		}
		elems := aux[8:]
		for i, j := 0, len(elems)-w; i < j; i, j = i+w, j-w {
			for k := 0; k < w; k++ {
				elems[i+k], elems[j+k] = elems[j+k], elems[i+k]
			}
		}
	}
}

func reverseComplementAuxValue(aux sam.Aux) {
	if aux.Type() == 'Z' {
		biosimd.ReverseComp8Inplace(aux[3:])
	}
}

// reverseComplementInPlace flips r from sequencer orientation to reference
// orientation (or back): bases are reverse-complemented, qualities
// reversed, and the configured tag values reversed or reverse-complemented
// alongside. The fast path skips base validation when the caller knows the
// sequence holds no IUPAC ambiguity codes beyond N.
func reverseComplementInPlace(r *sam.Record, rcTags, revTags map[sam.Tag]bool, fast bool) {
	if r.Seq.Length > 0 {
		bases := r.Seq.Expand()
		if fast {
			biosimd.ReverseComp8InplaceNoValidate(bases)
		} else {
			biosimd.ReverseComp8Inplace(bases)
		}
		r.Seq = sam.NewSeq(bases)
	}
	reverseBytes(r.Qual)
	for _, aux := range r.AuxFields {
		tag := aux.Tag()
		switch {
		case rcTags[tag]:
			reverseComplementAuxValue(aux)
		case revTags[tag]:
			reverseAuxValue(aux)
		}
	}
}

func tagSet(names []string) map[sam.Tag]bool {
	set := make(map[sam.Tag]bool, len(names))
	for _, n := range names {
		set[sam.NewTag(n)] = true
	}
	return set
}

// phredToFastq renders raw phred qualities as the Phred+33 ASCII used by
// the XQ stash tag.
func phredToFastq(qual []byte) string {
	out := make([]byte, len(qual))
	for i, q := range qual {
		out[i] = q + 33
	}
	return string(out)
}
