// Copyright 2019 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package mergebam fuses an unmapped BAM (reads plus sequencing-time
// metadata such as read groups, barcodes, adapter marks and original
// qualities) with the query-name sorted output of an aligner that saw only
// the base sequences, producing one stream in which every read carries both
// its provenance attributes and its final alignment.
//
// The merge joins the two streams by read name, fans out over multiple hits
// per read (primary, secondary and supplementary), copies alignment fields
// and non-reserved tags onto the unmapped template, re-applies soft clips
// for bases that were trimmed or withheld before alignment, clips adapter
// sequence, end-of-reference overhangs and overlapping mate tails, fixes
// mate linkage and proper-pair flags, optionally unmaps cross-species
// contaminants, and finally recomputes NM/MD/UQ against the reference
// during the coordinate-sorted output pass.
//
// The engine is single threaded: one driver loop pulls from the two input
// iterators, mutates records in place and pushes them to a Sink. Callers
// supply the merged output header, the aligned-stream primary selection
// policy and (for coordinate output) a reference FASTA.
package mergebam
