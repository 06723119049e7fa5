/*
Package segstore implements a single-writer, append-friendly, persistent
key-value store built from two families of flat files: an append-only
index log and a set of rotating, size-bounded data segments. It supports
point lookups by key, logical deletion via tombstones, and a whole-store
compaction that reclaims the space left behind by removed entries.

Handles are not safe for concurrent use; callers must provide external
mutual exclusion.

Data Structure Documentation

Directory layout

All files live in a single, pre-existing directory:

    store.ind                        index log
    store_0000.dat, store_0001.dat   data segments, rotated at the size threshold
    store.gen                        generation file, guards compaction swaps
    store_copy.ind, *_copy.dat       transient compaction files

Index log

The index log holds one frame per append; removal rewrites a frame's
payload in place with the tombstone byte set. Frames are length-prefixed:

    Frame:
    +-------------------------------+---------+
    | payload length (4, bigendian) | payload |
    +-------------------------------+---------+

    Payload:
    +---------------+----------------+-----------------+-----------------+----------------+------------+
    | tombstone (1) | segment id (4) | data offset (8) | data length (4) | key length (4) | key (utf8) |
    +---------------+----------------+-----------------+-----------------+----------------+------------+

All multi-byte fields are big-endian and fixed-width, and the key is
never re-encoded, so a frame's re-serialization is always byte-length
identical to the original. The in-place tombstone rewrite depends on
this.

Data segments

Segments hold value records back to back; a record never spans two
segments. Each record is the codec-encoded value followed by a one-byte
compression tag (0 plain, 1 snappy):

    Value record:
    +-----------------------+---------+
    | value bytes (encoded) | tag (1) |
    +-----------------------+---------+

Compaction

When the ratio of live to logged entries falls below the load factor
after a removal, all live entries are replayed from the index log and
relocated into a fresh generation of files staged under copy names. The
swap is committed through a single atomic rewrite of the generation
file; old files are only deleted after that commit, and an interrupted
swap is finished (or an uncommitted one discarded) by the next Open.
*/
package segstore
