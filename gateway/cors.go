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
	"net/url"
)

const defaultAllowMethods = "GET,HEAD,PUT,PATCH,POST,DELETE"

// setCORSHeaders writes the cross-origin response headers, echoing the
// requested headers and method when present.
func setCORSHeaders(h http.Header, reqHeader http.Header) {
	h.Set("Vary", "Origin")
	h.Set("Access-Control-Allow-Origin", originOf(reqHeader.Get("Origin")))

	allowHeaders := reqHeader.Get("Access-Control-Request-Headers")
	if allowHeaders == "" {
		allowHeaders = "*"
	}
	h.Set("Access-Control-Allow-Headers", allowHeaders)

	allowMethods := reqHeader.Get("Access-Control-Request-Method")
	if allowMethods == "" {
		allowMethods = defaultAllowMethods
	}
	h.Set("Access-Control-Allow-Methods", allowMethods)

	h.Set("Access-Control-Allow-Credentials", "true")
}

// originOf reduces an Origin header value to scheme://host[:port],
// dropping any path.
func originOf(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return origin
	}
	return u.Scheme + "://" + u.Host
}
