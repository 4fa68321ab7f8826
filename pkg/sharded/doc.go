// Package sharded caches VPK archive shards in cloud storage.
//
// Each shard of a container is stored as its own object, so a partially
// fetched container is simply a prefix with some of its shards present. The
// package is storage-agnostic via gocloud.dev/blob and works with file://,
// mem://, s3:// and gs:// buckets.
//
// # Publishing
//
// [Cache.Publish] verifies shard bytes against the size and digest declared by
// the depot manifest before writing them. A failed download therefore never
// leaves an object behind, and an object in the cache is always a complete,
// verified shard.
//
// # Reading
//
// [Cache] implements [vpk.ShardSource]. Reads are range reads, so extracting
// one entry from a shard never pulls the whole shard. A shard that is not
// cached is reported as an *fs.PathError wrapping fs.ErrNotExist with the
// shard file name as its path, which is what shard discovery keys off.
//
// # Validation
//
// [Validate] checks cached shards against their declared metadata without
// downloading anything. [Cache.Check] does the same for a single shard.
//
// # Storage Layout
//
//	{bucket}/{prefix}/pak01_dir.vpk
//	{bucket}/{prefix}/pak01_243.vpk
//	{bucket}/{prefix}/pak01_354.vpk
//
// # Cleanup
//
// [DeleteShards] removes specific shards; [Purge] removes every shard object
// under the prefix.
package sharded
