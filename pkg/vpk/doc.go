// Package vpk reads Valve pak (VPK) containers that are split across numbered
// archive shards.
//
// A container consists of a directory file and a set of archive shards:
//
//	pak01_dir.vpk
//	pak01_000.vpk
//	pak01_001.vpk
//	...
//
// The directory file holds the tree of entries. Each entry names the shard
// that stores its bytes (the archive index), the offset and length within that
// shard, a CRC32 of the full contents and an optional preload section stored
// inline in the directory file. Entries whose archive index is [DirIndex]
// live in the directory file itself, after the tree.
//
// # Reading
//
// Use [ReadDirectory] to parse a directory file, then [Open] to combine it
// with a [ShardSource]. [Archive.ReadFile] reads only the byte range that
// belongs to the requested entry, so shards holding unrelated entries never
// have to be present.
//
// When a shard is absent the source reports an *fs.PathError wrapping
// fs.ErrNotExist whose path is the shard file name, e.g.
//
//	open pak01_354.vpk: file does not exist
//
// Callers that only know the entry names can use this message to discover
// which shards they still need (see [ParseShardName]).
//
// # Format
//
// Versions 1 and 2 of the directory format are supported. The header is
// 12 bytes for version 1 and 28 bytes for version 2; the extra version 2
// sections (archive MD5s, other MD5s, signature) are skipped.
package vpk
