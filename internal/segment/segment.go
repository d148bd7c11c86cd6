// Package segment defines the request metadata reported for downloaded media segments.
package segment

import (
	"strings"
	"time"
)

// ContentType identifies the kind of track a segment belongs to.
type ContentType int

const (
	Other ContentType = iota
	Video
	Audio
)

func (c ContentType) String() string {
	switch c {
	case Video:
		return "video"
	case Audio:
		return "audio"
	default:
		return "other"
	}
}

// ParseContentType maps a host-supplied content type to a ContentType.
// Anything that is not video or audio is Other.
func ParseContentType(s string) ContentType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "video":
		return Video
	case "audio":
		return Audio
	default:
		return Other
	}
}

// Request describes the HTTP request that fetched a segment.
type Request struct {
	// ContentType is the track the segment belongs to
	ContentType ContentType

	// TimeToFirstByte is the delay until the first response byte (zero if unknown)
	TimeToFirstByte time.Duration

	// RequestStart is the wall-clock instant the request was issued
	RequestStart time.Time
}
