// Package safeurl validates asset_uri and schedule-authority endpoint
// schemes before the engine ever opens them, adapted from the teacher's
// identically-named package (which rejects everything but http/https to
// guard its HTTP proxy against SSRF).
//
// The playout core additionally accepts file:// since assets are
// typically resolved by the (out-of-scope) schedule authority to local
// paths on shared storage (spec.md §4.3 "Demuxes one asset
// (container-agnostic)"); the schedule-authority control API itself
// still only accepts http/https.
package safeurl

import "net/url"

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or
// https. Used to validate the schedule authority's control API base URL.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return s == "http" || s == "https"
}

// IsValidAssetURI returns true if u is http, https, or file -- the set
// of schemes the file producer is permitted to open (spec.md §3
// Segment's asset_uri).
func IsValidAssetURI(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "http", "https", "file":
		return true
	default:
		return false
	}
}
