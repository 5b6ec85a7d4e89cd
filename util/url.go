package util

import (
	"errors"
	"net/url"
	"strings"
)

var (
	ErrNotHTTP = errors.New("not an http(s) URL")
	ErrNoHost  = errors.New("URL has no host")
)

// ParseHTTPURL parses s as an absolute http or https URL with a host.
func ParseHTTPURL(s string) (*url.URL, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsedURL.Scheme) {
	case "http", "https":
	default:
		return nil, ErrNotHTTP
	}
	if parsedURL.Hostname() == "" {
		return nil, ErrNoHost
	}
	return parsedURL, nil
}

// PathSegments returns the non-empty elements of the URL path.
func PathSegments(u *url.URL) []string {
	if u == nil {
		return nil
	}
	var segments []string
	for _, segment := range strings.Split(u.Path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

// SegmentAfter returns the path segment following the first segment equal to one of markers.
func SegmentAfter(u *url.URL, markers ...string) (string, bool) {
	segments := PathSegments(u)
	for i, segment := range segments[:max(len(segments)-1, 0)] {
		for _, marker := range markers {
			if segment == marker {
				return segments[i+1], true
			}
		}
	}
	return "", false
}

// LastSegment returns the last non-empty path segment.
func LastSegment(u *url.URL) (string, bool) {
	segments := PathSegments(u)
	if len(segments) == 0 {
		return "", false
	}
	return segments[len(segments)-1], true
}
