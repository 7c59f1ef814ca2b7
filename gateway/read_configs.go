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
	"net/url"
	"os"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/jsonx"
	"shanhu.io/misc/osutil"
)

// RouteConfig is the file form of a routing entry.
type RouteConfig struct {
	Domain           string
	Target           string
	Path             string
	Authorization    string
	RedirectToHTTPS  bool
	RedirectToURL    string
	RedirectToDomain string
	CORS             bool
	Headers          string
	PreserveHost     bool
}

// Entry parses the config into a routing entry.
func (c *RouteConfig) Entry() (*Entry, error) {
	e := &Entry{
		Domain:           c.Domain,
		Path:             c.Path,
		Authorization:    c.Authorization,
		RedirectToHTTPS:  c.RedirectToHTTPS,
		RedirectToURL:    c.RedirectToURL,
		RedirectToDomain: c.RedirectToDomain,
		CORS:             c.CORS,
		Headers:          c.Headers,
		PreserveHost:     c.PreserveHost,
	}
	if c.Target != "" {
		u, err := url.Parse(c.Target)
		if err != nil {
			return nil, errcode.Annotate(err, "parse target")
		}
		e.Target = u
	}
	return e, nil
}

type fileConfig struct {
	CertificatesFolder string
	CertificateFile    string
	KeyFile            string
	HTTPPort           int
	HTTPSPort          int
	AutoReload         int
	Host               string
	HSTS               bool
	AutoCertCache      string
	Debug              bool
}

// SettingsFromHome reads settings and the initial routing entries from
// the etc directory of the given home directory. Missing files fall
// back to defaults.
func SettingsFromHome(homeDir string) (*Settings, error) {
	h, err := osutil.NewHome(homeDir)
	if err != nil {
		return nil, errcode.Annotate(err, "make home")
	}

	config := new(fileConfig)
	if err := jsonx.ReadFile(h.FilePath("etc/gateway.jsonx"), config); err != nil {
		if !os.IsNotExist(err) {
			return nil, errcode.Annotate(err, "read gateway config")
		}
	}

	settings := &Settings{
		CertificatesFolder: config.CertificatesFolder,
		CertificateFile:    config.CertificateFile,
		KeyFile:            config.KeyFile,
		HTTPPort:           config.HTTPPort,
		HTTPSPort:          config.HTTPSPort,
		AutoReload:         config.AutoReload,
		Host:               config.Host,
		HSTS:               config.HSTS,
		AutoCertCache:      config.AutoCertCache,
		Debug:              config.Debug,
	}

	var routes []*RouteConfig
	if err := jsonx.ReadFile(h.FilePath("etc/routes.jsonx"), &routes); err != nil {
		if !os.IsNotExist(err) {
			return nil, errcode.Annotate(err, "read routes")
		}
	}
	for _, rc := range routes {
		e, err := rc.Entry()
		if err != nil {
			return nil, errcode.Annotate(err, "route for "+rc.Domain)
		}
		settings.Proxies = append(settings.Proxies, e)
	}

	return settings, nil
}
