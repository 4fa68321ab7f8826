// Package config defines configuration structures for the pakfetch CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (PAKFETCH_ prefix)
//   - YAML configuration file
//
// Flags override the environment, which overrides the file.
//
// # Example
//
//	app_id: 730
//	depot_id: 2347770
//	targets:
//	  - resource/csgo_english.txt
//	cache: file:///var/cache/pakfetch?create_dir=true&metadata=skip
//	output: file://./output?create_dir=true&metadata=skip
//	cdn: https://cdn.example.com
//	auth: https://auth.example.com
//	username: builder
//	workers: 8
//	retry:
//	  attempts: 5
//	  backoff: 1s
//	  max_backoff: 30s
//	resolve:
//	  max_iterations: 0
//	  strategy: auto
package config
