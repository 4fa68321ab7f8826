// Package progress reports shard fetch progress and prints the summary of
// written files.
//
// The downloader reports each shard as it moves through the fetch:
//
//	r := progress.NewReporter(progress.Options{TotalShards: 3, Container: "pak01"})
//	r.Start()
//	defer r.Stop()
//
//	r.Started(ref)
//	r.Downloaded(ref, size) // or r.Cached / r.Failed
//
// Output, on stderr by default:
//
//	[pakfetch] Fetching: pak01
//	[pakfetch] 3 shards, 2.4 GiB, 4 workers
//	[pakfetch]  45.2% | 1.1 GiB / 2.4 GiB | 48 MiB/s | 1/3 shards | fetching pak01_354.vpk
//	[pakfetch] Shards: 2 downloaded, 1 cached, 0 failed
//	[pakfetch] Total: 2.4 GiB in 51s
package progress
