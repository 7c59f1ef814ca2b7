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

	"net/url"
)

func mustParse(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal("parse url:", err)
	}
	return u
}

func TestEntryTableFind(t *testing.T) {
	target := mustParse(t, "http://127.0.0.1:9000/")

	table := newEntryTable()
	for _, e := range []*Entry{
		{Domain: "example.com", Target: target},
		{Domain: "*.wild.org", Target: target},
	} {
		if err := table.add(e); err != nil {
			t.Fatal("add:", err)
		}
	}

	for _, test := range []struct {
		host    string
		path    string
		want    string
		wantErr bool
	}{
		{host: "example.com", path: "/", want: "example.com"},
		{host: "example.com:8080", path: "/", want: "example.com"},
		{host: "EXAMPLE.com", path: "/", want: "example.com"},
		{host: "example.com", path: "/anything", want: "example.com"},
		{host: "sub.example.com", path: "/", wantErr: true},
		{host: "other.com", path: "/", wantErr: true},
		{host: "wild.org", path: "/", want: "*.wild.org"},
		{host: "a.wild.org", path: "/", want: "*.wild.org"},
		{host: "a.b.wild.org", path: "/", wantErr: true},
	} {
		got, err := table.find(test.host, test.path)
		if err != nil {
			if !test.wantErr {
				t.Errorf(
					"find(%q, %q), got error: %s",
					test.host, test.path, err,
				)
			}
			continue
		}
		if test.wantErr {
			t.Errorf(
				"find(%q, %q), got %q, want error",
				test.host, test.path, got.Domain,
			)
		} else if got.Domain != test.want {
			t.Errorf(
				"find(%q, %q), got %q, want %q",
				test.host, test.path, got.Domain, test.want,
			)
		}
	}
}

func TestEntryTablePathDisambiguation(t *testing.T) {
	target := mustParse(t, "http://127.0.0.1:9000/")

	api := &Entry{Domain: "example.com", Path: "/api", Target: target}
	root := &Entry{Domain: "example.com", Target: target}

	table := newEntryTable()
	for _, e := range []*Entry{api, root} {
		if err := table.add(e); err != nil {
			t.Fatal("add:", err)
		}
	}

	for _, test := range []struct {
		path string
		want *Entry
	}{
		{path: "/api", want: api},
		{path: "/api/foo", want: api},
		{path: "/apifoo", want: root},
		{path: "/other", want: root},
		{path: "/", want: root},
	} {
		got, err := table.find("example.com", test.path)
		if err != nil {
			t.Errorf("find(%q), got error: %s", test.path, err)
			continue
		}
		if got != test.want {
			t.Errorf("find(%q), got entry %+v", test.path, got)
		}
	}
}

func TestEntryTableOrder(t *testing.T) {
	target := mustParse(t, "http://127.0.0.1:9000/")

	first := &Entry{Domain: "example.com", Target: target}
	second := &Entry{Domain: "example.com", Target: target}

	table := newEntryTable()
	for _, e := range []*Entry{first, second} {
		if err := table.add(e); err != nil {
			t.Fatal("add:", err)
		}
	}

	got, err := table.find("example.com", "/")
	if err != nil {
		t.Fatal("find:", err)
	}
	if got != first {
		t.Error("find should return the first inserted entry")
	}
}

func TestEntryTablePathOnlyEntries(t *testing.T) {
	target := mustParse(t, "http://127.0.0.1:9000/")

	table := newEntryTable()
	for _, p := range []string{"/api", "/static"} {
		err := table.add(&Entry{
			Domain: "example.com", Path: p, Target: target,
		})
		if err != nil {
			t.Fatal("add:", err)
		}
	}

	if _, err := table.find("example.com", "/api/x"); err != nil {
		t.Error("path match should hit:", err)
	}
	if _, err := table.find("example.com", "/nothere"); err == nil {
		t.Error("no path matches and no pathless entry; want error")
	}
}

func TestEntryTableAddRejects(t *testing.T) {
	table := newEntryTable()
	if err := table.add(&Entry{Domain: "example.com"}); err == nil {
		t.Error("entry with no target and no redirect should be rejected")
	}
	if err := table.add(&Entry{}); err == nil {
		t.Error("entry with no domain should be rejected")
	}
	if err := table.add(&Entry{
		Domain: "example.com", RedirectToHTTPS: true,
	}); err != nil {
		t.Error("https-redirect-only entry should be accepted:", err)
	}
}
