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
	"net/http"
	"strings"

	"shanhu.io/aries"
)

// serveEntry runs the policy sequence of a matched entry. The first
// policy that applies writes the response: authorization, then
// domain redirect, then URL redirect, then HTTPS redirect, then CORS
// preflight, then forwarding.
func (s *Server) serveEntry(c *aries.C, e *Entry, ssl bool) error {
	if e.Authorization != "" && !authorized(c.Req, e.Authorization) {
		c.Resp.Header().Set(
			"WWW-Authenticate", `Basic realm="Y u no password"`,
		)
		c.Resp.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	if e.RedirectToDomain != "" {
		u := *c.Req.URL
		u.Scheme = "https"
		u.Host = e.RedirectToDomain
		redirect(c, http.StatusFound, u.String())
		return nil
	}

	// The incoming path is not appended here; the entry's URL is the
	// whole destination.
	if e.RedirectToURL != "" {
		redirect(c, http.StatusFound, e.RedirectToURL)
		return nil
	}

	if e.RedirectToHTTPS && !ssl {
		u := *c.Req.URL
		u.Scheme = "https"
		u.Host = c.Req.Host
		redirect(c, http.StatusMovedPermanently, u.String())
		return nil
	}

	if c.Req.Method == http.MethodOptions && e.CORS &&
		c.Req.Header.Get("Origin") != "" {
		h := c.Resp.Header()
		setCORSHeaders(h, c.Req.Header)
		h.Set("Content-Length", "0")
		c.Resp.WriteHeader(http.StatusNoContent)
		return nil
	}

	if e.Target == nil {
		return aries.NotFound
	}
	s.forward(c, e, ssl)
	return nil
}

func authorized(req *http.Request, want string) bool {
	got := req.Header.Get("Authorization")
	got = strings.TrimSpace(strings.TrimPrefix(got, "Basic"))
	if got == "" {
		return false
	}
	return got == want
}

func redirect(c *aries.C, code int, location string) {
	c.Resp.Header().Set("Location", location)
	c.Resp.WriteHeader(code)
}
