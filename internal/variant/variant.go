// Package variant defines playable quality variants and the bandwidth-ranked catalog.
package variant

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrRankOutOfRange is returned when a rank outside [0, Len()-1] is requested.
var ErrRankOutOfRange = errors.New("variant rank out of range")

// Variant represents a single selectable quality rendition of the stream.
type Variant struct {
	// Bandwidth is the peak bitrate in bits per second
	Bandwidth int

	// Resolution is the video resolution (e.g., "1920x1080", "1280x720")
	// Empty string if not known
	Resolution string

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2")
	Codecs string

	// PlaylistURL is the URL of the variant's media playlist, if any
	PlaylistURL string
}

// Validate checks that every variant carries a usable bandwidth.
func Validate(variants []Variant) error {
	for i, v := range variants {
		if v.Bandwidth < 0 {
			return fmt.Errorf("variant %d has negative bandwidth %d", i, v.Bandwidth)
		}
	}
	return nil
}

// Catalog holds the registered variants ranked by ascending bandwidth.
// Rank 0 is the lowest quality, rank Len()-1 the highest.
type Catalog struct {
	mu       sync.RWMutex
	variants []Variant
}

// NewCatalog creates a catalog holding the given variants.
func NewCatalog(variants []Variant) *Catalog {
	c := &Catalog{}
	c.Set(variants)
	return c
}

// Set replaces the catalog wholesale. The input slice is copied, never retained.
func (c *Catalog) Set(variants []Variant) {
	sorted := make([]Variant, len(variants))
	copy(sorted, variants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bandwidth < sorted[j].Bandwidth
	})

	c.mu.Lock()
	c.variants = sorted
	c.mu.Unlock()
}

// At returns the variant at the given rank.
func (c *Catalog) At(rank int) (Variant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if rank < 0 || rank >= len(c.variants) {
		return Variant{}, fmt.Errorf("%w: %d (catalog size %d)", ErrRankOutOfRange, rank, len(c.variants))
	}
	return c.variants[rank], nil
}

// Len returns the number of variants.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.variants)
}

// MaxIndex returns the highest valid rank, or -1 for an empty catalog.
func (c *Catalog) MaxIndex() int {
	return c.Len() - 1
}

// Variants returns a copy of the ranked variants.
func (c *Catalog) Variants() []Variant {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Variant, len(c.variants))
	copy(out, c.variants)
	return out
}
