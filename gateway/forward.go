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
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"syscall"

	"shanhu.io/aries"
)

// proxyState carries the matched entry through the request context into
// the reverse proxy hooks.
type proxyState struct {
	entry *Entry
	ssl   bool
	host  string // incoming host header
}

type proxyStateKey struct{}

func stateFrom(ctx context.Context) *proxyState {
	st, _ := ctx.Value(proxyStateKey{}).(*proxyState)
	return st
}

func (s *Server) newProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite:        s.rewrite,
		ModifyResponse: s.modifyResponse,
		ErrorHandler:   s.upstreamError,
		FlushInterval:  -1,
		ErrorLog:       log.New(&proxyErrorLog{events: s.events}, "", 0),
	}
}

func (s *Server) forward(c *aries.C, e *Entry, ssl bool) {
	st := &proxyState{entry: e, ssl: ssl, host: c.Req.Host}
	ctx := context.WithValue(c.Req.Context(), proxyStateKey{}, st)
	s.proxy.ServeHTTP(c.Resp, c.Req.WithContext(ctx))
}

// upstreamURL resolves the incoming request URL against the entry's
// target base. The base's own path becomes a prefix, and the entry's
// path selector is stripped from the result.
func upstreamURL(e *Entry, in *url.URL) *url.URL {
	ref := &url.URL{
		Path:     strings.TrimPrefix(in.Path, "/"),
		RawQuery: in.RawQuery,
	}
	u := e.Target.ResolveReference(ref)
	if e.Path != "" {
		u.Path = strings.Replace(u.Path, e.Path, "", 1)
		u.RawPath = ""
	}
	return u
}

func (s *Server) rewrite(pr *httputil.ProxyRequest) {
	st := stateFrom(pr.In.Context())
	e := st.entry
	out := pr.Out

	out.URL = upstreamURL(e, pr.In.URL)

	for _, kv := range e.extraHeaders() {
		out.Header.Set(kv[0], kv[1])
	}

	scheme := "http"
	if st.ssl {
		scheme = "https"
	}
	if e.PreserveHost {
		out.Host = st.host
	} else {
		out.Host = out.URL.Host
	}
	out.Header.Set("X-Forwarded-For", st.host)
	out.Header.Set("X-Forwarded-Proto", scheme)
	out.Header.Set("Forwarded", "host="+st.host+";proto="+scheme)
}

const hstsValue = "max-age=15552000; includeSubDomains"

func (s *Server) modifyResponse(resp *http.Response) error {
	st := stateFrom(resp.Request.Context())
	if st == nil {
		return nil
	}
	req := resp.Request
	if st.entry.CORS && req.Method != http.MethodOptions &&
		req.Header.Get("Origin") != "" {
		setCORSHeaders(resp.Header, req.Header)
	}
	if s.settings.HSTS && st.ssl {
		resp.Header.Set("Strict-Transport-Security", hstsValue)
	}
	return nil
}

// upstreamError maps transport failures on the upstream request to a
// status. Refused or reset connections read as a bad gateway; anything
// else is an internal error. Failures after response headers were sent
// never reach here; those tear the connection down instead.
func (s *Server) upstreamError(w http.ResponseWriter, req *http.Request, err error) {
	s.events.proxyError(err)
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
}
