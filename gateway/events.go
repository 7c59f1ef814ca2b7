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
	"errors"
	"log"
	"strings"
)

// Events receives observational callbacks from the server. All hooks
// are optional; with a nil Events the callbacks are dropped. Errors and
// proxy errors are logged either way.
type Events interface {
	// OnError is called with certificate load failures.
	OnError(err error)

	// OnSNI is called with the domain whose certificate served a TLS
	// handshake.
	OnSNI(domain string)

	// OnProxyError is called with transport and tunnel errors.
	OnProxyError(err error)
}

// events wraps an optional Events hook so call sites never nil-check.
type events struct {
	h Events
}

func (e *events) error(err error) {
	log.Println(err)
	if e.h != nil {
		e.h.OnError(err)
	}
}

func (e *events) sni(domain string) {
	if e.h != nil {
		e.h.OnSNI(domain)
	}
}

func (e *events) proxyError(err error) {
	log.Println(err)
	if e.h != nil {
		e.h.OnProxyError(err)
	}
}

// proxyErrorLog adapts the events hook into an io.Writer, so that the
// reverse proxy's error log lands on the same channel.
type proxyErrorLog struct {
	events *events
}

func (w *proxyErrorLog) Write(p []byte) (int, error) {
	w.events.proxyError(errors.New(strings.TrimSpace(string(p))))
	return len(p), nil
}
