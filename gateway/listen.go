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
	"net"
	"net/http"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/netutil"
	"shanhu.io/virgo/counting"
	"shanhu.io/virgo/sniproxy"
)

func (s *Server) listenHTTP() (net.Listener, error) {
	if lis := s.settings.HTTPListener; lis != nil {
		return netutil.WrapKeepAlive(lis), nil
	}
	tcp, err := net.Listen("tcp", s.settings.httpAddr())
	if err != nil {
		return nil, errcode.Annotate(err, "listen http")
	}
	lis := counting.WrapListener(tcp, s.httpCounters)
	return netutil.WrapKeepAlive(lis), nil
}

func (s *Server) listenHTTPS() (net.Listener, error) {
	if lis := s.settings.HTTPSListener; lis != nil {
		return netutil.WrapKeepAlive(lis), nil
	}
	tcp, err := net.Listen("tcp", s.settings.httpsAddr())
	if err != nil {
		return nil, errcode.Annotate(err, "listen https")
	}
	lis := counting.WrapListener(tcp, s.httpsCounters)
	return netutil.WrapKeepAlive(lis), nil
}

func (s *Server) serveLoop(f func() error) {
	if err := f(); err != nil {
		if err == http.ErrServerClosed || sniproxy.IsClosedConnError(err) {
			return
		}
		s.events.error(errcode.Annotate(err, "serve"))
	}
}
