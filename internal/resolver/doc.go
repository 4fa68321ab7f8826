// Package resolver works out which archive shards hold a set of target
// entries.
//
// When the manifest records an archive index for every target the answer is
// read straight off the tree. Otherwise the resolver falls back to discovery:
// it repeatedly tries to read the targets from the shards acquired so far,
// picks the smallest shard index named in the resulting "file does not exist"
// errors, acquires it and tries again. Discovery is deterministic for a given
// manifest and target list.
package resolver
