package mergebam

import (
	"strings"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsReservedTag(t *testing.T) {
	for tag, want := range map[string]bool{
		"XT": true,
		"YB": true,
		"ZZ": true,
		"xy": true,
		"aB": true,
		"RG": false,
		"NM": false,
		"AS": false,
		"OQ": false,
	} {
		assert.Equal(t, want, IsReservedTag(sam.NewTag(tag)), "tag %s", tag)
	}
}

func TestCloneRecordIsIndependent(t *testing.T) {
	r := NewRecordSeq("r", chr1, 99, sam.Paired|sam.Read1|sam.Unmapped, nil, "ACGT", "####")
	setAux(r, NewAux("RG", "rg1"))
	c := CloneRecord(r)
	require.Equal(t, r.Name, c.Name)
	require.Equal(t, r.Flags, c.Flags)
	require.Equal(t, "ACGT", string(c.Seq.Expand()))

	// Mutating the clone leaves the original alone.
	c.Qual[0] = 0
	c.AuxFields[0][3] = 'x'
	bases := c.Seq.Expand()
	bases[0] = 'T'
	c.Seq = sam.NewSeq(bases)
	assert.Equal(t, byte('#'), r.Qual[0])
	rg, _ := auxString(r, sam.Tag{'R', 'G'})
	assert.Equal(t, "rg1", rg)
	assert.Equal(t, "ACGT", string(r.Seq.Expand()))
}

func TestReverseComplementInPlace(t *testing.T) {
	r := NewRecordSeq("r", chr1, 99, 0, nil, "AACCG", "!\"#$%")
	setAux(r, NewAux("OQ", "!!##$"))
	setAux(r, NewAux("E2", "AACCG"))
	setAux(r, NewAux("RG", "rg1"))
	rc := tagSet([]string{"E2", "SQ"})
	rev := tagSet([]string{"OQ", "U2"})
	reverseComplementInPlace(r, rc, rev, false)

	assert.Equal(t, "CGGTT", string(r.Seq.Expand()))
	assert.Equal(t, []byte("%$#\"!"), r.Qual)
	oq, _ := auxString(r, sam.Tag{'O', 'Q'})
	assert.Equal(t, "$##!!", oq)
	e2, _ := auxString(r, sam.Tag{'E', '2'})
	assert.Equal(t, "CGGTT", e2)
	rg, _ := auxString(r, sam.Tag{'R', 'G'})
	assert.Equal(t, "rg1", rg)

	// A second application restores the original.
	reverseComplementInPlace(r, rc, rev, false)
	assert.Equal(t, "AACCG", string(r.Seq.Expand()))
	oq, _ = auxString(r, sam.Tag{'O', 'Q'})
	assert.Equal(t, "!!##$", oq)
}

func TestReverseAuxValueArray(t *testing.T) {
	aux, err := sam.NewAux(sam.NewTag("U2"), []int16{1, 2, 3})
	require.NoError(t, err)
	reverseAuxValue(aux)
	assert.Equal(t, []int16{3, 2, 1}, aux.Value())
}

func TestSetAuxReplaces(t *testing.T) {
	r := NewRecordSeq("r", nil, -1, sam.Unmapped, nil, "A", "#")
	setAux(r, NewAux("NM", 3))
	setAux(r, NewAux("NM", 7))
	require.Len(t, r.AuxFields, 1)
	v, ok := auxInt(r, nmTag)
	require.True(t, ok)
	assert.Equal(t, 7, v)

	removeAux(r, nmTag)
	assert.Nil(t, r.AuxFields.Get(nmTag))
}

func TestPhredToFastq(t *testing.T) {
	assert.Equal(t, "!+I", phredToFastq([]byte{0, 10, 40}))
	assert.Equal(t, "", phredToFastq(nil))
	assert.Equal(t, strings.Repeat("I", 3), phredToFastq([]byte{40, 40, 40}))
}
