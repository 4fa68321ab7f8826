// Package manifest decodes depot manifests.
//
// A manifest lists the files of one depot version (the VPK directory file and
// its numbered shards, with sizes and digests) and the entries packed inside
// the VPK containers. Structural version 1 manifests describe entries by
// container and offset only; version 2 adds the archive index of each entry.
//
// Blobs may be plain JSON or zstd/gzip compressed JSON:
//
//	{
//	  "version": 2,
//	  "app_id": 730,
//	  "depot_id": 2347770,
//	  "manifest_id": "7617088375292372759",
//	  "root": "csgo",
//	  "files": [
//	    {"path": "csgo/pak01_dir.vpk", "size": 1024, "digest": "sha256:..."},
//	    {"path": "csgo/pak01_000.vpk", "size": 4096, "digest": "sha256:..."}
//	  ],
//	  "entries": [
//	    {"path": "resource/csgo_english.txt", "container": "pak01",
//	     "offset": 0, "size": 812, "crc": 305419896, "archive_index": 354}
//	  ]
//	}
package manifest
