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
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/netutil"
)

func isUpgradeRequest(req *http.Request) bool {
	return req.Header.Get("Upgrade") != ""
}

// upgradeFromServer takes the connection over from the HTTP server and
// hands it to the upgrade tunnel, together with any bytes the server
// already buffered past the request head.
func (s *Server) upgradeFromServer(w http.ResponseWriter, req *http.Request, ssl bool) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		s.events.proxyError(errcode.Annotate(err, "hijack connection"))
		return
	}
	var head []byte
	if n := bufrw.Reader.Buffered(); n > 0 {
		peeked, _ := bufrw.Reader.Peek(n)
		head = append([]byte(nil), peeked...)
	}
	s.HandleUpgrade(req, conn, head, ssl)
}

// HandleUpgrade tunnels a WebSocket upgrade. It validates the request,
// opens the upstream with the same URL and header construction as plain
// forwarding, relays the upstream's 101 handshake, and then splices the
// two byte streams until either side closes. Invalid upgrades destroy
// the connection without a response.
func (s *Server) HandleUpgrade(req *http.Request, conn net.Conn, head []byte, ssl bool) {
	if req.Method != http.MethodGet ||
		!strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		conn.Close()
		return
	}
	entry, err := s.entries.find(req.Host, req.URL.Path)
	if err != nil || entry.Target == nil {
		conn.Close()
		return
	}

	tuneConn(conn)

	u := upstreamURL(entry, req.URL)
	up, err := dialUpstream(u)
	if err != nil {
		s.events.proxyError(errcode.Annotate(err, "dial upstream"))
		conn.Close()
		return
	}

	outReq := upgradeRequest(req, entry, u, ssl)
	if err := outReq.Write(up); err != nil {
		s.events.proxyError(errcode.Annotate(err, "write upgrade request"))
		conn.Close()
		up.Close()
		return
	}

	br := bufio.NewReader(up)
	resp, err := http.ReadResponse(br, outReq)
	if err != nil {
		s.events.proxyError(errcode.Annotate(err, "read upgrade response"))
		conn.Close()
		up.Close()
		return
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Body.Close()
		conn.Close()
		up.Close()
		return
	}

	if err := writeUpgradeHead(conn, resp); err != nil {
		s.events.proxyError(errcode.Annotate(err, "write upgrade head"))
		conn.Close()
		up.Close()
		return
	}

	down := net.Conn(conn)
	if len(head) > 0 {
		down = &readerConn{
			Conn: conn,
			r:    io.MultiReader(bytes.NewReader(head), conn),
		}
	}
	upConn := net.Conn(up)
	if n := br.Buffered(); n > 0 {
		peeked, _ := br.Peek(n)
		pre := append([]byte(nil), peeked...)
		upConn = &readerConn{
			Conn: up,
			r:    io.MultiReader(bytes.NewReader(pre), up),
		}
	}

	go s.splice(down, upConn)
}

func (s *Server) splice(down, up net.Conn) {
	defer down.Close()
	defer up.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	closing := s.closingChan()
	go func() {
		select {
		case <-ctx.Done():
		case <-closing:
			cancel()
		}
	}()

	if err := netutil.JoinConn(ctx, down, up); err != nil {
		s.events.proxyError(err)
	}
}

func (s *Server) closingChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing // nil before start; a nil channel never fires
}

// upgradeRequest builds the upstream handshake request, applying the
// same header rewriting rules as plain forwarding.
func upgradeRequest(in *http.Request, e *Entry, u *url.URL, ssl bool) *http.Request {
	out := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
	}
	for k, vs := range in.Header {
		out.Header[k] = append([]string(nil), vs...)
	}
	for _, kv := range e.extraHeaders() {
		out.Header.Set(kv[0], kv[1])
	}

	scheme := "http"
	if ssl {
		scheme = "https"
	}
	if e.PreserveHost {
		out.Host = in.Host
	} else {
		out.Host = u.Host
	}
	out.Header.Set("X-Forwarded-For", in.Host)
	out.Header.Set("X-Forwarded-Proto", scheme)
	out.Header.Set("Forwarded", "host="+in.Host+";proto="+scheme)
	return out
}

// writeUpgradeHead serializes the upstream's 101 response head back to
// the client, one line per header value.
func writeUpgradeHead(conn net.Conn, resp *http.Response) error {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	for k, vs := range resp.Header {
		for _, v := range vs {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
	_, err := conn.Write(buf.Bytes())
	return err
}

func tuneConn(conn net.Conn) {
	conn.SetDeadline(time.Time{})
	raw := conn
	if tc, ok := raw.(*tls.Conn); ok {
		raw = tc.NetConn()
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
	}
}

func dialUpstream(u *url.URL) (net.Conn, error) {
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	addr := net.JoinHostPort(u.Hostname(), port)
	if u.Scheme == "https" {
		return tls.Dial("tcp", addr, &tls.Config{ServerName: u.Hostname()})
	}
	return net.Dial("tcp", addr)
}

// readerConn is a conn whose read side is rerouted through a reader, so
// that already-buffered bytes can be pushed back in front of the
// stream.
type readerConn struct {
	net.Conn
	r io.Reader
}

func (c *readerConn) Read(p []byte) (int, error) { return c.r.Read(p) }
