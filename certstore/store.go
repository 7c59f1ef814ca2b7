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

// Package certstore loads TLS certificates from a directory layout where
// each immediate subdirectory is named after a domain and holds a
// certificate and key file pair.
package certstore

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"shanhu.io/misc/errcode"
)

// DefaultCertFile is the certificate file name inside each domain
// directory when not configured otherwise.
const DefaultCertFile = "fullchain.pem"

// DefaultKeyFile is the private key file name inside each domain
// directory when not configured otherwise.
const DefaultKeyFile = "privkey.pem"

// Config configures a certificate store.
type Config struct {
	// Dir is the directory whose subdirectories are domain names.
	Dir string

	// CertFile is the certificate file name inside each domain directory.
	CertFile string

	// KeyFile is the key file name inside each domain directory.
	KeyFile string
}

// Store maps domain names to loaded TLS certificates. Lookups fall back
// from a full host name to its parent domains, so a certificate loaded
// under "example.com" also serves "sub.example.com".
type Store struct {
	dir      string
	certFile string
	keyFile  string

	reloadMu sync.Mutex // serializes reloads

	mu    sync.RWMutex
	certs map[string]*tls.Certificate
}

// New creates an empty store. Call Reload to populate it.
func New(config *Config) *Store {
	certFile := config.CertFile
	if certFile == "" {
		certFile = DefaultCertFile
	}
	keyFile := config.KeyFile
	if keyFile == "" {
		keyFile = DefaultKeyFile
	}
	return &Store{
		dir:      config.Dir,
		certFile: certFile,
		keyFile:  keyFile,
		certs:    make(map[string]*tls.Certificate),
	}
}

func (s *Store) swap(m map[string]*tls.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs = m
}

func (s *Store) snapshot() map[string]*tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certs
}

// Reload scans the directory and builds a fresh certificate map, then
// swaps it in as a whole. A domain directory that fails to load is
// skipped; its error is returned but does not abort the reload. If the
// directory does not exist the store becomes empty.
func (s *Store) Reload() []error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	fresh := make(map[string]*tls.Certificate)

	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.swap(fresh)
			return nil
		}
		return []error{errcode.Annotate(err, "list certificates dir")}
	}

	var errs []error
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		domain := d.Name()
		cert, err := tls.LoadX509KeyPair(
			filepath.Join(s.dir, domain, s.certFile),
			filepath.Join(s.dir, domain, s.keyFile),
		)
		if err != nil {
			errs = append(errs, errcode.Annotate(err, "load cert for "+domain))
			continue
		}
		fresh[domain] = &cert
	}

	s.swap(fresh)
	return errs
}

// Lookup finds the certificate for the given server name. It probes the
// name itself first and then each parent domain, so the returned
// certificate is the one loaded under the longest matching suffix. The
// second return value is the domain the certificate was loaded under.
func (s *Store) Lookup(name string) (*tls.Certificate, string, error) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	certs := s.snapshot()

	labels := strings.Split(name, ".")
	for i := range labels {
		key := strings.Join(labels[i:], ".")
		if cert, ok := certs[key]; ok {
			return cert, key, nil
		}
	}
	return nil, "", errcode.NotFoundf("no certificate for %q", name)
}

// Clear drops all loaded certificates.
func (s *Store) Clear() {
	s.swap(make(map[string]*tls.Certificate))
}

// Domains lists the domains that have a certificate loaded, sorted.
func (s *Store) Domains() []string {
	certs := s.snapshot()
	var domains []string
	for d := range certs {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}
