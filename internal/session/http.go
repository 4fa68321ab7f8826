package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"

	"github.com/containerd/log"

	pakhttp "github.com/ligustah/pakfetch/internal/http"
	"github.com/ligustah/pakfetch/pkg/vpk"
)

// HTTPProvider talks to the content CDN:
//
//	GET {cdn}/depot/{depot}/manifest/{manifest id}
//	GET {cdn}/depot/{depot}/chunk/{shard name}
//	GET {cdn}/app/{app}/depot/{depot}/latest
//
// Requests carry the session token as a bearer token. Shard requests are
// made once; retrying them is left to the caller.
type HTTPProvider struct {
	client  *pakhttp.Client
	shards  *pakhttp.Client
	baseURL string
	depotID uint32
	token   string
}

// NewHTTPProvider returns a provider for depotID at baseURL.
func NewHTTPProvider(client *pakhttp.Client, baseURL string, depotID uint32, token string) *HTTPProvider {
	return &HTTPProvider{
		client:  client,
		shards:  client.WithoutRetries(),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		depotID: depotID,
		token:   token,
	}
}

// Multiplexed reports that the provider is safe for concurrent use.
func (p *HTTPProvider) Multiplexed() bool {
	return true
}

func (p *HTTPProvider) header() http.Header {
	h := make(http.Header)
	if p.token != "" {
		h.Set("Authorization", "Bearer "+p.token)
	}
	return h
}

// GetManifest downloads the manifest blob.
func (p *HTTPProvider) GetManifest(ctx context.Context, productID, depotID uint32, manifestID string) ([]byte, error) {
	url := fmt.Sprintf("%s/depot/%d/manifest/%s", p.baseURL, depotID, manifestID)
	log.G(ctx).WithField("manifest", manifestID).Debug("downloading manifest")

	data, err := p.client.Get(ctx, url, p.header())
	if err != nil {
		return nil, classify(fmt.Sprintf("manifest %s", manifestID), err)
	}
	return data, nil
}

// GetShard downloads one archive shard or the directory file.
func (p *HTTPProvider) GetShard(ctx context.Context, containerBase string, index int) ([]byte, error) {
	ref := vpk.ShardRef{Base: containerBase, Index: index}
	url := fmt.Sprintf("%s/depot/%d/chunk/%s", p.baseURL, p.depotID, ref.Name())

	data, err := p.shards.Get(ctx, url, p.header())
	if err != nil {
		if errors.Is(err, pakhttp.ErrNotFound) {
			return nil, &fs.PathError{Op: "open", Path: ref.Name(), Err: fs.ErrNotExist}
		}
		return nil, classify(ref.Name(), err)
	}
	return data, nil
}

type latestResponse struct {
	ManifestID string `json:"manifest_id"`
}

// LatestManifestID returns the id of the latest public manifest of the depot.
func (p *HTTPProvider) LatestManifestID(ctx context.Context, productID, depotID uint32) (string, error) {
	url := fmt.Sprintf("%s/app/%d/depot/%d/latest", p.baseURL, productID, depotID)

	data, err := p.client.Get(ctx, url, p.header())
	if err != nil {
		return "", classify("latest manifest", err)
	}
	var resp latestResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("%w: latest manifest: decode: %v", ErrTransport, err)
	}
	if resp.ManifestID == "" {
		return "", fmt.Errorf("%w: no public manifest for depot %d", ErrNotFound, depotID)
	}
	return resp.ManifestID, nil
}

// classify maps client errors to session error kinds, keeping the cause.
func classify(what string, err error) error {
	var kind error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, pakhttp.ErrUnauthorized), errors.Is(err, pakhttp.ErrForbidden):
		kind = ErrAuth
	case errors.Is(err, pakhttp.ErrNotFound):
		kind = ErrNotFound
	default:
		kind = ErrTransport
	}
	return fmt.Errorf("%w: %s: %w", kind, what, err)
}
