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
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"gatehouse/certstore"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"shanhu.io/aries"
	"shanhu.io/misc/errcode"
	"shanhu.io/virgo/counting"
)

// Server is the request-dispatch engine. It routes requests by host and
// path, runs each matched entry's policy sequence, and forwards or
// redirects accordingly. It can run its own listener pair or be embedded
// behind an externally owned listener via Serve, HandleRequest and
// HandleUpgrade.
type Server struct {
	settings *Settings
	events   *events
	entries  *entryTable
	certs    *certstore.Store
	proxy    *httputil.ReverseProxy

	plainHandler http.Handler
	sslHandler   http.Handler

	httpCounters  *counting.ConnCounters
	httpsCounters *counting.ConnCounters

	mu       sync.Mutex // guards lifecycle state
	started  bool
	closing  chan struct{}
	httpLis  net.Listener
	httpsLis net.Listener
	httpSrv  *http.Server
	httpsSrv *http.Server
}

// New creates a server with the given settings. The server does not
// listen until Start is called; Serve and HandleRequest work right away
// for embedded use.
func New(settings *Settings) *Server {
	if settings == nil {
		settings = &Settings{}
	}
	s := &Server{
		settings: settings,
		events:   &events{h: settings.Events},
		entries:  newEntryTable(),
		certs: certstore.New(&certstore.Config{
			Dir:      settings.CertificatesFolder,
			CertFile: settings.CertificateFile,
			KeyFile:  settings.KeyFile,
		}),
		httpCounters:  counting.NewConnCounters(),
		httpsCounters: counting.NewConnCounters(),
	}
	s.proxy = s.newProxy()
	s.plainHandler = s.httpHandler(false)
	s.sslHandler = s.httpHandler(true)
	return s
}

// httpHandler builds the handler behind one listener. Upgrade requests
// are taken over before the service layer, so the raw connection can be
// hijacked; everything else goes through dispatch.
func (s *Server) httpHandler(ssl bool) http.Handler {
	service := aries.Serve(serviceFunc(func(c *aries.C) error {
		return s.dispatch(c, ssl)
	}))
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if isUpgradeRequest(req) {
			s.upgradeFromServer(w, req, ssl)
			return
		}
		service.ServeHTTP(w, req)
	})
}

// serviceFunc adapts a function into an aries service.
type serviceFunc func(c *aries.C) error

func (f serviceFunc) Serve(c *aries.C) error { return f(c) }

// Add appends a routing entry. An entry must have a domain and at least
// one of a target or a redirect.
func (s *Server) Add(e *Entry) error {
	return s.entries.add(e)
}

// Reload rebuilds the certificate map from the certificates folder.
// It is a no-op when the TLS listener is disabled or when certificates
// come from autocert. Per-domain load failures are reported on the
// error hook and do not abort the reload.
func (s *Server) Reload() {
	if !s.settings.httpsEnabled() || s.settings.CertificatesFolder == "" {
		return
	}
	for _, err := range s.certs.Reload() {
		s.events.error(err)
	}
	if s.settings.Debug {
		log.Printf("certificates loaded for %v", s.certs.Domains())
	}
}

// Start loads certificates, installs the reload timer, opens the
// listener pair and inserts the initial entries. The listeners run on
// their own goroutines; Start returns once they are accepting.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errcode.InvalidArgf("server already started")
	}

	for _, e := range s.settings.Proxies {
		if err := s.entries.add(e); err != nil {
			return err
		}
	}

	closing := make(chan struct{})

	if s.settings.httpsEnabled() {
		s.Reload()

		lis, err := s.listenHTTPS()
		if err != nil {
			return err
		}
		srv := &http.Server{
			TLSConfig: s.tlsServerConfig(),
			Handler:   s.sslHandler,
		}
		s.httpsLis = lis
		s.httpsSrv = srv
		log.Printf("serving https on %q", lis.Addr())
		go s.serveLoop(func() error { return srv.ServeTLS(lis, "", "") })
	}

	if s.settings.httpEnabled() {
		lis, err := s.listenHTTP()
		if err != nil {
			s.closeServersLocked()
			return err
		}
		srv := &http.Server{Handler: s.plainHandler}
		s.httpLis = lis
		s.httpSrv = srv
		log.Printf("serving http on %q", lis.Addr())
		go s.serveLoop(func() error { return srv.Serve(lis) })
	}

	if s.settings.AutoReload > 0 && s.settings.httpsEnabled() {
		go s.reloadLoop(ctx, closing)
	}

	s.closing = closing
	s.started = true
	return nil
}

// Reset closes the listeners, clears the entries and certificates, and
// cancels the reload timer. It is idempotent and safe to call
// concurrently with itself.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		close(s.closing)
		s.started = false
	}
	s.closeServersLocked()
	s.entries.clear()
	s.certs.Clear()
}

func (s *Server) closeServersLocked() {
	if s.httpLis != nil {
		s.httpLis.Close()
		s.httpLis = nil
	}
	if s.httpsLis != nil {
		s.httpsLis.Close()
		s.httpsLis = nil
	}
	if s.httpSrv != nil {
		s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.httpsSrv != nil {
		s.httpsSrv.Close()
		s.httpsSrv = nil
	}
}

func (s *Server) reloadLoop(ctx context.Context, closing chan struct{}) {
	d := time.Duration(s.settings.AutoReload) * time.Millisecond
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Reload()
		case <-closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Serve implements the aries service contract. TLS-ness is taken from
// the request itself.
func (s *Server) Serve(c *aries.C) error {
	return s.dispatch(c, c.Req.TLS != nil)
}

// HandleRequest serves a single request from an externally owned
// listener. ssl tells whether the request arrived over TLS.
func (s *Server) HandleRequest(w http.ResponseWriter, req *http.Request, ssl bool) {
	if ssl {
		s.sslHandler.ServeHTTP(w, req)
		return
	}
	s.plainHandler.ServeHTTP(w, req)
}

func (s *Server) dispatch(c *aries.C, ssl bool) error {
	entry, err := s.entries.find(c.Req.Host, c.Req.URL.Path)
	if err != nil {
		if fb := s.settings.Fallback; fb != nil {
			return fb.Serve(c)
		}
		return aries.NotFound
	}
	if s.settings.Debug {
		log.Printf(
			"%s %s%s -> %q", c.Req.Method, c.Req.Host, c.Req.URL.Path,
			entry.Domain,
		)
	}
	return s.serveEntry(c, entry, ssl)
}

func (s *Server) getCertificate(hello *tls.ClientHelloInfo) (
	*tls.Certificate, error,
) {
	cert, domain, err := s.certs.Lookup(hello.ServerName)
	if err != nil {
		return nil, err
	}
	s.events.sni(domain)
	return cert, nil
}

func (s *Server) tlsServerConfig() *tls.Config {
	if c := s.settings.TLSConfig; c != nil {
		return c
	}
	if s.settings.CertificatesFolder != "" {
		return &tls.Config{
			GetCertificate: s.getCertificate,
			NextProtos:     []string{"http/1.1"},
		}
	}

	autoCert := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: s.hostPolicy,
	}
	if dir := s.settings.AutoCertCache; dir != "" {
		autoCert.Cache = autocert.DirCache(dir)
	}
	c := autoCert.TLSConfig()
	c.NextProtos = []string{"http/1.1", acme.ALPNProto}
	return c
}

// hostPolicy determines which hosts are whitelisted for autocert.
func (s *Server) hostPolicy(_ context.Context, host string) error {
	host = hostOnly(host)
	s.entries.mu.RLock()
	defer s.entries.mu.RUnlock()
	for _, e := range s.entries.entries {
		if e.matchDomain(host) {
			return nil
		}
	}
	return errcode.NotFoundf("%q not in routing table", host)
}
