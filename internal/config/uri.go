// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// ConnectionURI is the closed sum type { Postgres, SQLite, CoreSettings }
// replacing the source's ConnectionUri/PostgreSqlUri/SQLiteUri/
// SzCoreSettingsUri inheritance chain, per the re-architecture note.
// Exactly one of the three fields is non-nil after a successful Parse.
type ConnectionURI struct {
	Postgres     *PostgresURI
	SQLite       *SQLiteURI
	CoreSettings *CoreSettingsURI
}

// PostgresURI is the parsed form of a postgresql:// data-mart URI.
type PostgresURI struct {
	User, Password string
	Host           string
	Port           int
	Database       string
	Schema         string
}

// SQLiteURI is the parsed form of a sqlite3:// data-mart URI.
type SQLiteURI struct {
	Path string
}

// CoreSettingsURI is the parsed form of an sz://core-settings/<pointer>
// URI; it must be resolved against the already-loaded core-settings
// document before a dialect adapter can use it.
type CoreSettingsURI struct {
	Pointer string
}

// ParseConnectionURI parses one of the three recognized data-mart URI
// schemes.
func ParseConnectionURI(raw string) (ConnectionURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ConnectionURI{}, Errorf("database-uri", "malformed URI: %v", err)
	}

	switch u.Scheme {
	case "postgresql", "postgres":
		return parsePostgres(u)
	case "sqlite3":
		return parseSQLite(u)
	case "sz":
		if u.Host != "core-settings" {
			return ConnectionURI{}, Errorf("database-uri", "sz URIs must use the core-settings host, got %q", u.Host)
		}
		return ConnectionURI{CoreSettings: &CoreSettingsURI{Pointer: u.Path}}, nil
	default:
		return ConnectionURI{}, Errorf("database-uri", "unrecognized scheme %q", u.Scheme)
	}
}

func parsePostgres(u *url.URL) (ConnectionURI, error) {
	host := u.Hostname()
	port := 5432
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return ConnectionURI{}, Errorf("database-uri", "invalid port %q", p)
		}
		port = n
	}

	ret := &PostgresURI{
		Host:     host,
		Port:     port,
		Database: strings.TrimPrefix(u.Path, "/"),
		Schema:   "public",
	}
	if u.User != nil {
		ret.User = u.User.Username()
		ret.Password, _ = u.User.Password()
	}
	if schema := u.Query().Get("schema"); schema != "" {
		ret.Schema = schema
	}
	return ConnectionURI{Postgres: ret}, nil
}

func parseSQLite(u *url.URL) (ConnectionURI, error) {
	if u.Path == "" {
		return ConnectionURI{}, Errorf("database-uri", "sqlite3 URIs require an absolute path")
	}
	return ConnectionURI{SQLite: &SQLiteURI{Path: u.Path}}, nil
}

// String reconstructs the canonical URI form; re-parsing the result of
// String must produce an equal ConnectionURI modulo default port and
// schema.
func (c ConnectionURI) String() string {
	switch {
	case c.Postgres != nil:
		p := c.Postgres
		userinfo := ""
		if p.User != "" {
			userinfo = p.User
			if p.Password != "" {
				userinfo += ":" + p.Password
			}
			userinfo += "@"
		}
		return "postgresql://" + userinfo + p.Host + ":" + strconv.Itoa(p.Port) + "/" + p.Database + "?schema=" + p.Schema
	case c.SQLite != nil:
		return "sqlite3://na:na@" + c.SQLite.Path
	case c.CoreSettings != nil:
		return "sz://core-settings" + c.CoreSettings.Pointer
	default:
		return ""
	}
}

// Resolve reads the value named by the CoreSettings pointer out of the
// already-loaded core-settings JSON document and parses it as a
// nested ConnectionURI. It is a no-op for the Postgres and SQLite
// variants, which return themselves unchanged.
func (c ConnectionURI) Resolve(coreSettings []byte) (ConnectionURI, error) {
	if c.CoreSettings == nil {
		return c, nil
	}

	var doc any
	if err := json.Unmarshal(coreSettings, &doc); err != nil {
		return ConnectionURI{}, Errorf("core-settings", "invalid JSON: %v", err)
	}

	val, err := jsonPointer(doc, c.CoreSettings.Pointer)
	if err != nil {
		return ConnectionURI{}, err
	}

	s, ok := val.(string)
	if !ok {
		return ConnectionURI{}, Errorf("core-settings", "value at %q is not a string", c.CoreSettings.Pointer)
	}
	return ParseConnectionURI(s)
}

// ResolveEngineURL reads the resolution engine's HTTP endpoint out of
// the already-loaded core-settings document, at the conventional
// /HTTP/BASE_URL pointer reserved for deployments that front the
// engine with its REST API rather than linking it in-process.
func ResolveEngineURL(coreSettings []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(coreSettings, &doc); err != nil {
		return "", Errorf("core-settings", "invalid JSON: %v", err)
	}
	val, err := jsonPointer(doc, "/HTTP/BASE_URL")
	if err != nil {
		return "", err
	}
	s, ok := val.(string)
	if !ok {
		return "", Errorf("core-settings", "value at \"/HTTP/BASE_URL\" is not a string")
	}
	return s, nil
}

// jsonPointer implements RFC 6901 JSON Pointer resolution over a
// generic decoded document. Array indices must be non-negative
// decimal integers; negative indices and out-of-bounds indices are
// rejected rather than wrapping or clamping, per the spec.
func jsonPointer(doc any, pointer string) (any, error) {
	if pointer == "" || pointer == "/" {
		return doc, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, Errorf("core-settings", "pointer %q must be empty or start with '/'", pointer)
	}

	cur := doc
	for _, tok := range strings.Split(pointer[1:], "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")

		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[tok]
			if !ok {
				return nil, Errorf("core-settings", "not found: %q", pointer)
			}
			cur = next
		case []any:
			if strings.HasPrefix(tok, "-") {
				return nil, Errorf("core-settings", "negative array index not allowed: %q", pointer)
			}
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 {
				return nil, Errorf("core-settings", "invalid array index %q in %q", tok, pointer)
			}
			if idx >= len(v) {
				return nil, Errorf("core-settings", "not found: %q", pointer)
			}
			cur = v[idx]
		default:
			return nil, Errorf("core-settings", "cannot descend into scalar at %q", pointer)
		}
	}
	return cur, nil
}
