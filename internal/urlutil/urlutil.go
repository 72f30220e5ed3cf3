// Copyright 2026 Tapwire Authors
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

// Package urlutil implements C4: reconstructing absolute URLs from
// proxy-form requests, classifying Accept headers, and detecting internal
// browser noise (spec §4.3).
package urlutil

import (
	"net/http"
	"strings"
)

// DefaultInternalHostSubstrings is spec §4.3's default internal-request
// filter list.
var DefaultInternalHostSubstrings = []string{
	"googleapis.com",
	"google.com",
	"chrome-extension",
	"moz-extension",
	"optimizationguide-pa.googleapis.com",
}

// ReconstructFullURL implements spec §4.3's reconstructFullURL algorithm.
// The ok return is false when the caller should log and pass through
// (NoRoute, spec §8 "Request-URI = / with no Host header").
func ReconstructFullURL(req *http.Request, isSSL bool) (string, bool) {
	if req == nil {
		return "", false
	}

	target := req.RequestURI
	if target == "" {
		target = req.URL.String()
	}

	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target, true
	}

	host := req.Host
	if host == "" {
		host = req.Header.Get("Host")
	}
	if host == "" {
		return "", false
	}

	scheme := "http"
	if isSSL {
		scheme = "https"
	}

	path := normalizePath(target)
	return scheme + "://" + host + path, true
}

// normalizePath implements spec §4.3's path-normalization sub-rule: empty
// or schemeless-with-colon paths become "/"; otherwise a leading "/" is
// prepended if absent (spec §8: "Request-URI containing ':' with no
// leading '/' and a Host header → path normalized to '/'").
func normalizePath(raw string) string {
	if raw == "" {
		return "/"
	}
	if !strings.HasPrefix(raw, "/") {
		if strings.Contains(raw, ":") {
			return "/"
		}
		return "/" + raw
	}
	return raw
}

// IsInternalHost reports whether host matches any of the configured
// internal-request substrings (spec §4.3). Matching is case-insensitive
// substring containment, as the source's list implies.
func IsInternalHost(host string, substrings []string) bool {
	if len(substrings) == 0 {
		substrings = DefaultInternalHostSubstrings
	}
	host = strings.ToLower(host)
	for _, s := range substrings {
		if strings.Contains(host, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

var nonHTMLExtensions = map[string]bool{
	"js": true, "css": true, "json": true, "png": true, "jpg": true,
	"jpeg": true, "gif": true, "svg": true, "ico": true, "woff": true,
	"woff2": true, "ttf": true, "eot": true, "mp4": true, "webm": true,
	"mp3": true, "wav": true, "map": true, "txt": true, "xml": true,
}

var htmlExtensions = map[string]bool{"html": true, "htm": true}

var nonHTMLMediaPrefixes = []string{
	"image/", "text/css", "application/json", "font/", "audio/", "video/",
	"application/javascript", "application/octet-stream",
}

// RequestExpectsHTML implements spec §4.3's requestExpectsHTML, used
// exclusively by the error renderer (C8) to choose HTML vs. plain-text
// error bodies.
func RequestExpectsHTML(req *http.Request) bool {
	if req == nil {
		return true
	}

	accept := strings.ToLower(req.Header.Get("Accept"))
	if strings.Contains(accept, "text/html") {
		return true
	}
	for _, prefix := range nonHTMLMediaPrefixes {
		if strings.Contains(accept, prefix) {
			return false
		}
	}

	ext := extensionOf(req.URL.Path)
	if htmlExtensions[ext] {
		return true
	}
	if nonHTMLExtensions[ext] {
		return false
	}

	return req.Method == http.MethodGet
}

func extensionOf(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 || i == len(path)-1 {
		return ""
	}
	slash := strings.LastIndexByte(path, '/')
	if slash > i {
		return ""
	}
	return strings.ToLower(path[i+1:])
}
