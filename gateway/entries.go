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
	"sync"

	"shanhu.io/misc/errcode"
)

// entryTable is the ordered collection of routing entries. Insertion
// order is part of the lookup tie-break, so entries live in a slice and
// never collapse into a per-domain map.
type entryTable struct {
	mu      sync.RWMutex
	entries []*Entry
}

func newEntryTable() *entryTable {
	return &entryTable{}
}

func (t *entryTable) add(e *Entry) error {
	if err := e.check(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	return nil
}

func (t *entryTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

// find returns the entry for the given request host and path. The host
// may carry a port. Among entries that match the domain, a set path
// prefix that matches the request path wins first, then the first entry
// with no path; a single domain match wins regardless of path.
func (t *entryTable) find(host, path string) (*Entry, error) {
	host = hostOnly(host)

	t.mu.RLock()
	var matched []*Entry
	for _, e := range t.entries {
		if e.matchDomain(host) {
			matched = append(matched, e)
		}
	}
	t.mu.RUnlock()

	if len(matched) == 0 {
		return nil, errcode.NotFoundf("no route for host %q", host)
	}
	if len(matched) == 1 {
		return matched[0], nil
	}
	for _, e := range matched {
		if e.matchPath(path) {
			return e, nil
		}
	}
	for _, e := range matched {
		if e.Path == "" {
			return e, nil
		}
	}
	return nil, errcode.NotFoundf("no route for host %q path %q", host, path)
}
