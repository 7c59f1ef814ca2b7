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
	"testing"

	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gatehouse/certstore"
	"shanhu.io/aries/https/httpstest"
)

// recordingEvents remembers every observational callback.
type recordingEvents struct {
	mu    sync.Mutex
	errs  []error
	snis  []string
	perrs []error
}

func (r *recordingEvents) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingEvents) OnSNI(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snis = append(r.snis, domain)
}

func (r *recordingEvents) OnProxyError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perrs = append(r.perrs, err)
}

func (r *recordingEvents) proxyErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.perrs...)
}

func (r *recordingEvents) sniDomains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.snis...)
}

func checkGet(t *testing.T, c *http.Client, url, want string) {
	t.Helper()
	resp, err := c.Get(url)
	if err != nil {
		t.Errorf("get %s: %s", url, err)
		return
	}
	defer resp.Body.Close()

	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Errorf("read body: %s", err)
		return
	}
	if string(bs) != want {
		t.Errorf("get %s, want %q, got %q", url, want, string(bs))
	}
}

// writeTestCert writes a self-signed certificate pair under
// dir/domain/ in the store's file layout.
func writeTestCert(t *testing.T, dir, domain string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal("generate key:", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain, "*." + domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(
		rand.Reader, tmpl, tmpl, &key.PublicKey, key,
	)
	if err != nil {
		t.Fatal("create cert:", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal("marshal key:", err)
	}

	d := filepath.Join(dir, domain)
	if err := os.MkdirAll(d, 0700); err != nil {
		t.Fatal("make cert dir:", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(
		&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER},
	)
	certFile := filepath.Join(d, certstore.DefaultCertFile)
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatal("write cert:", err)
	}
	keyFile := filepath.Join(d, certstore.DefaultKeyFile)
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal("write key:", err)
	}
}

func TestServeTLS(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			fmt.Fprint(w, "dest")
		},
	))
	defer upstream.Close()

	tlsConfigs, err := httpstest.NewTLSConfigs([]string{"example.com"})
	if err != nil {
		t.Fatal(err)
	}
	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	s := New(&Settings{
		HTTPSListener: lis,
		TLSConfig:     tlsConfigs.Server,
		Proxies: []*Entry{{
			Domain: "example.com",
			Target: mustParse(t, upstream.URL),
		}},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal("start:", err)
	}
	defer s.Reset()

	client := &http.Client{Transport: tlsConfigs.Sink(lis.Addr().String())}
	checkGet(t, client, "https://example.com", "dest")
	checkGet(t, client, "https://example.com/subpage", "dest")
}

func TestServeHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			fmt.Fprint(w, "plain dest")
		},
	))
	defer upstream.Close()

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	s := New(&Settings{
		HTTPListener: lis,
		Proxies: []*Entry{{
			Domain: "localhost",
			Target: mustParse(t, upstream.URL),
		}},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal("start:", err)
	}
	defer s.Reset()

	_, port, err := net.SplitHostPort(lis.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	checkGet(t, http.DefaultClient, "http://localhost:"+port+"/", "plain dest")
}

func TestServeSNI(t *testing.T) {
	dir := t.TempDir()
	writeTestCert(t, dir, "example.com")

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	rec := new(recordingEvents)
	s := New(&Settings{
		CertificatesFolder: dir,
		HTTPSListener:      lis,
		Events:             rec,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal("start:", err)
	}
	defer s.Reset()

	addr := lis.Addr().String()

	// A subdomain handshake falls back to the parent certificate.
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName:         "sub.example.com",
		InsecureSkipVerify: true,
	})
	if err != nil {
		t.Fatal("handshake for sub.example.com:", err)
	}
	conn.Close()

	found := false
	for _, d := range rec.sniDomains() {
		if d == "example.com" {
			found = true
		}
	}
	if !found {
		t.Errorf("sni hook got %v, want example.com", rec.sniDomains())
	}

	// No certificate matches; the handshake must fail.
	if conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName:         "other.com",
		InsecureSkipVerify: true,
	}); err == nil {
		conn.Close()
		t.Error("handshake for other.com should fail")
	}
}

func TestAutoReload(t *testing.T) {
	dir := t.TempDir()
	writeTestCert(t, dir, "a.com")

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	s := New(&Settings{
		CertificatesFolder: dir,
		HTTPSListener:      lis,
		AutoReload:         20,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal("start:", err)
	}
	defer s.Reset()

	if _, _, err := s.certs.Lookup("a.com"); err != nil {
		t.Fatal("a.com should load on start:", err)
	}

	writeTestCert(t, dir, "b.com")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, _, err := s.certs.Lookup("b.com"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("b.com not picked up by the reload timer")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResetIdempotent(t *testing.T) {
	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	s := New(&Settings{HTTPListener: lis})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal("start:", err)
	}
	s.Reset()
	s.Reset()

	req := httptest.NewRequest("GET", "http://example.com/", nil)
	if w := serveReq(s, req, false); w.Code != http.StatusNotFound {
		t.Errorf("after reset, got %d, want 404", w.Code)
	}
}
