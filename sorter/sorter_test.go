package sorter

import (
	"fmt"
	"io/ioutil"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	chr1, _   = sam.NewReference("chr1", "", "", 100000, nil, nil)
	chr2, _   = sam.NewReference("chr2", "", "", 200000, nil, nil)
	header, _ = sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
)

func newRec(name string, ref *sam.Reference, pos int, flags sam.Flags) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = ref
	r.Pos = pos
	r.MatePos = -1
	r.Flags = flags
	if ref != nil {
		r.Cigar = sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 4)}
	}
	r.Seq = sam.NewSeq([]byte("ACGT"))
	r.Qual = []byte{30, 30, 30, 30}
	return r
}

func drain(t *testing.T, it *Iterator) []*sam.Record {
	var out []*sam.Record
	for it.Scan() {
		out = append(out, it.Record())
	}
	require.NoError(t, it.Err())
	return out
}

func TestSortInMemory(t *testing.T) {
	s := New(header, Options{MaxRecordsInRAM: 100})
	recs := []*sam.Record{
		newRec("c", chr1, 500, 0),
		newRec("a", chr1, 100, 0),
		newRec("d", chr2, 10, 0),
		newRec("b", chr1, 100, sam.Reverse),
	}
	for _, r := range recs {
		require.NoError(t, s.Add(r))
	}
	it, err := s.Sort()
	require.NoError(t, err)
	defer it.Close() // nolint: errcheck
	out := drain(t, it)
	require.Len(t, out, 4)
	assert.Equal(t, []string{"a", "b", "c", "d"},
		[]string{out[0].Name, out[1].Name, out[2].Name, out[3].Name})
}

func TestSortWithSpills(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	s := New(header, Options{MaxRecordsInRAM: 16, TmpDir: tempDir})
	const n = 100
	names := map[string]bool{}
	for i := 0; i < n; i++ {
		// A deterministic scatter of positions across both references.
		ref, pos := chr1, (i*7919)%50000
		if i%3 == 0 {
			ref = chr2
		}
		name := fmt.Sprintf("read%03d", i)
		names[name] = true
		require.NoError(t, s.Add(newRec(name, ref, pos, 0)))
	}
	// A couple of unmapped reads must sort last.
	require.NoError(t, s.Add(newRec("unmapped1", nil, -1, sam.Unmapped)))
	require.NoError(t, s.Add(newRec("unmapped2", nil, -1, sam.Unmapped)))

	it, err := s.Sort()
	require.NoError(t, err)
	out := drain(t, it)
	require.Len(t, out, n+2)

	for i := 1; i < len(out); i++ {
		a, b := out[i-1], out[i]
		assert.True(t, coordOf(a) <= coordOf(b),
			"records out of order at %d: %v then %v", i, a, b)
	}
	assert.Nil(t, out[len(out)-1].Ref)
	assert.Nil(t, out[len(out)-2].Ref)
	seen := map[string]bool{}
	for _, r := range out[:n] {
		seen[r.Name] = true
	}
	assert.Equal(t, names, seen)

	require.NoError(t, it.Close())
	files, err := ioutil.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, files, "spill files must be removed on Close")
}

func TestSorterDiscard(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	s := New(header, Options{MaxRecordsInRAM: 4, TmpDir: tempDir})
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Add(newRec(fmt.Sprintf("r%d", i), chr1, i*10, 0)))
	}
	files, err := ioutil.ReadDir(tempDir)
	require.NoError(t, err)
	assert.NotEmpty(t, files)

	s.Discard()
	files, err = ioutil.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, files)

	assert.Error(t, s.Add(newRec("late", chr1, 1, 0)))
}

func TestSortStableTieBreak(t *testing.T) {
	s := New(header, Options{MaxRecordsInRAM: 2})
	defer s.Discard()
	// Same coordinate, different flags: flag order decides.
	require.NoError(t, s.Add(newRec("x", chr1, 100, sam.Paired|sam.Read2)))
	require.NoError(t, s.Add(newRec("x", chr1, 100, sam.Paired|sam.Read1)))
	require.NoError(t, s.Add(newRec("y", chr1, 100, 0)))
	it, err := s.Sort()
	require.NoError(t, err)
	defer it.Close() // nolint: errcheck
	out := drain(t, it)
	require.Len(t, out, 3)
	assert.Equal(t, sam.Flags(0), out[0].Flags)
	assert.NotZero(t, out[1].Flags&sam.Read1)
	assert.NotZero(t, out[2].Flags&sam.Read2)
}

func TestSortEmpty(t *testing.T) {
	s := New(header, Options{})
	it, err := s.Sort()
	require.NoError(t, err)
	assert.False(t, it.Scan())
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
}
