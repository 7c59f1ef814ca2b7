// Copyright (C) 2023  Shanhu Tech Inc.
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the
// Free Software Foundation, either version 3 of the License, or (at your
// option) any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
// for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package gateway

import (
	"net/url"
	"strings"

	"shanhu.io/misc/errcode"
)

// Entry is one routing rule. It selects requests by domain and
// optionally by path prefix, and either forwards them to Target or
// answers with a redirect.
type Entry struct {
	// Domain is the exact host to match, or a "*.example.com"
	// wildcard. A wildcard matches the domain itself and any host
	// whose parent domain is it.
	Domain string

	// Target is the upstream base URL. Optional when the entry
	// redirects.
	Target *url.URL

	// Path selects this entry among entries that share a domain, and
	// is stripped from the path before forwarding.
	Path string

	// Authorization, when set, is the expected base64 user:password
	// of an HTTP basic authorization header.
	Authorization string

	RedirectToHTTPS  bool
	RedirectToURL    string
	RedirectToDomain string

	// CORS enables preflight handling and origin echoing on
	// cross-origin responses.
	CORS bool

	// Headers are extra upstream request headers, as pipe-separated
	// "key: value" pairs.
	Headers string

	// PreserveHost keeps the incoming Host header on the upstream
	// request instead of the target's host.
	PreserveHost bool
}

func (e *Entry) check() error {
	if e.Domain == "" {
		return errcode.InvalidArgf("entry has no domain")
	}
	if e.Target == nil && e.RedirectToURL == "" && e.RedirectToDomain == "" &&
		!e.RedirectToHTTPS {
		return errcode.InvalidArgf(
			"entry for %q has no target and no redirect", e.Domain,
		)
	}
	return nil
}

// matchDomain checks if the entry's domain selects the given host. The
// host must already be lowercased with any port stripped.
func (e *Entry) matchDomain(host string) bool {
	if e.Domain == host {
		return true
	}
	if rest := strings.TrimPrefix(e.Domain, "*."); rest != e.Domain {
		return rest == host || rest == parentHost(host)
	}
	return false
}

// matchPath checks if the entry's path prefix selects the given
// request path.
func (e *Entry) matchPath(path string) bool {
	if e.Path == "" {
		return false
	}
	return path == e.Path || strings.HasPrefix(path, e.Path+"/")
}

// extraHeaders parses the entry's Headers option into key/value pairs,
// in order. Malformed parts are dropped.
func (e *Entry) extraHeaders() [][2]string {
	if e.Headers == "" {
		return nil
	}
	var pairs [][2]string
	for _, part := range strings.Split(e.Headers, "|") {
		k, v, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" {
			continue
		}
		pairs = append(pairs, [2]string{k, v})
	}
	return pairs
}

// hostOnly lowercases a request host and strips any trailing port.
func hostOnly(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}

// parentHost strips the first dot-separated label.
func parentHost(host string) string {
	_, parent, ok := strings.Cut(host, ".")
	if !ok {
		return ""
	}
	return parent
}
