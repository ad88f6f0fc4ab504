package hashdir

import "errors"

// ErrCorruptBucket indicates a bucket failed size or checksum validation
// on decode.
var ErrCorruptBucket = errors.New("hashdir: corrupt bucket")

// ErrDirectoryFull is returned by Insert when all four insertion-priority
// tiers are exhausted: no free slot in
// the existing chain, no bucket in this lock group's free list, the
// global pool is empty, and no other lock group has a spare bucket to
// steal.
var ErrDirectoryFull = errors.New("hashdir: directory full")

// ErrNotFound is returned by Delete when no entry in the key's bucket
// chain both matches its syndrome and passes key verification.
var ErrNotFound = errors.New("hashdir: entry not found")
