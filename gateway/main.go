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

// Package gateway implements an HTTP and HTTPS reverse proxy and
// redirector. It routes requests by host and path, gates them with
// basic authorization, answers redirects and CORS preflights, streams
// everything else to upstream origins, tunnels WebSocket upgrades, and
// terminates TLS with per-domain certificates selected by SNI.
package gateway

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// Main is the main entrance for the gateway binary.
func Main() {
	var (
		home      = flag.String("home", ".", "home directory")
		httpPort  = flag.Int("http", 0, "HTTP port; overrides the config")
		httpsPort = flag.Int("https", 0, "HTTPS port; overrides the config")
	)
	flag.Parse()

	settings, err := SettingsFromHome(*home)
	if err != nil {
		log.Fatal(err)
	}
	if *httpPort != 0 {
		settings.HTTPPort = *httpPort
	}
	if *httpsPort != 0 {
		settings.HTTPSPort = *httpsPort
	}

	s := New(settings)
	if err := s.Start(context.Background()); err != nil {
		log.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	s.Reset()
}
