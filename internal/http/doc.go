// Package http provides the HTTP client used to talk to the content service.
//
// This package handles:
//   - Connection pooling for parallel shard downloads
//   - Retry with jittered exponential backoff (go-retryablehttp)
//   - Request pacing (x/time/rate)
//   - Mapping of status codes to sentinel errors
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	body, err := client.Get(ctx, url, header)
//	if errors.Is(err, http.ErrNotFound) {
//	    ...
//	}
//
//	status, err := client.PostJSON(ctx, url, nil, req, &resp, http.StatusUnauthorized)
package http
