// Package parser loads a variant catalog from an HLS master playlist.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/agleyzer/abrsim/internal/variant"
	"github.com/cenkalti/backoff/v4"
	"github.com/grafov/m3u8"
)

// ErrNotMaster is returned when the playlist is a media playlist.
var ErrNotMaster = errors.New("expected master playlist, got media playlist")

// Options controls how a master playlist is fetched.
type Options struct {
	// Client is the HTTP client used for fetching; a 30s-timeout client if nil
	Client *http.Client

	// MaxRetries bounds retries of transient failures (network errors, 5xx)
	MaxRetries uint64

	// InitialInterval is the first backoff delay
	InitialInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
}

// LoadVariants fetches a master playlist and returns its variants.
// Transient failures are retried with exponential backoff.
func LoadVariants(ctx context.Context, playlistURL string, opts Options) ([]variant.Variant, error) {
	opts.setDefaults()

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = opts.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(ebo, opts.MaxRetries), ctx)

	op := func() ([]variant.Variant, error) {
		return fetchMaster(ctx, opts.Client, playlistURL)
	}

	variants, err := backoff.RetryWithData(op, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to load variants: %w", err)
	}
	return variants, nil
}

// fetchMaster performs a single fetch. Errors that retrying cannot fix are
// marked permanent.
func fetchMaster(ctx context.Context, client *http.Client, playlistURL string) ([]variant.Variant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("failed to fetch playlist: HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	variants, err := ParseMaster(resp.Body, playlistURL)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return variants, nil
}

// ParseMaster decodes a master playlist, resolving variant URLs against baseURL.
func ParseMaster(r io.Reader, baseURL string) ([]variant.Variant, error) {
	playlist, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType != m3u8.MASTER {
		return nil, ErrNotMaster
	}

	masterPlaylist, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	var variants []variant.Variant
	for i, v := range masterPlaylist.Variants {
		if v == nil {
			continue
		}

		variantURL, err := resolveURL(baseURL, v.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve variant %d URL: %w", i, err)
		}

		variants = append(variants, variant.Variant{
			Bandwidth:   int(v.Bandwidth),
			Resolution:  v.Resolution,
			Codecs:      v.Codecs,
			PlaylistURL: variantURL,
		})
	}

	if len(variants) == 0 {
		return nil, fmt.Errorf("master playlist contains no variants")
	}

	return variants, nil
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
