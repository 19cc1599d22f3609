// Copyright 2019 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package mergebam

import "errors"

// Fatal merge errors. Each aborts the merge; callers can match them with
// errors.Is after the driver wraps them with context. With coordinate
// output no record reaches the writer before the merge completes, so
// nothing is written; queryname and unsorted output is written as the
// merge goes, so the records written before the failure stay written.
var (
	// ErrUnalignedContainsMapped reports a mapped record in the unaligned
	// input. The unaligned BAM must be reverted before it can be merged.
	ErrUnalignedContainsMapped = errors.New("unaligned input contains mapped reads")

	// ErrPairingViolation reports paired unaligned records that do not
	// arrive as first-of-pair immediately followed by second-of-pair.
	ErrPairingViolation = errors.New("unaligned pair records out of order")

	// ErrAlignedAhead reports a read name on the aligned stream that never
	// appears in the unaligned stream. The aligner only sees a subset of
	// the unaligned reads, so this means the streams do not correspond.
	ErrAlignedAhead = errors.New("aligned stream is behind the unaligned reads")

	// ErrUnalignedExhaustedEarly reports aligned records remaining after
	// the unaligned stream ended.
	ErrUnalignedExhaustedEarly = errors.New("records remaining on aligned stream")

	// ErrProgramRecordCollision reports that the program record ID to be
	// added is already present in the output header.
	ErrProgramRecordCollision = errors.New("program record ID already in use")

	// ErrOutOfOrderAligned reports that the aligned stream is not
	// non-decreasing by query name.
	ErrOutOfOrderAligned = errors.New("aligned stream not query-name sorted")

	// ErrHardClipTagCollision reports a record that already carries XB/XQ
	// stash tags when hard clipping would need to write them.
	ErrHardClipTagCollision = errors.New("record already has hard-clip stash tags")
)
