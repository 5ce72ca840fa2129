package network

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

// Headers holds injection headers added to every request for an origin.
// The file is INI: the DEFAULT section applies everywhere, any other
// section is named by a base uri and applies to uris below it.
//
//	X-Client = restcache
//
//	[https://api.example.com]
//	Authorization = Bearer abc
type Headers struct {
	defaults map[string]string
	bases    []baseHeaders
}

type baseHeaders struct {
	base   string
	values map[string]string
}

// LoadHeaders reads an injection headers file.
func LoadHeaders(path string) (*Headers, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("network: load headers %s: %w", path, err)
	}

	h := &Headers{defaults: map[string]string{}}
	for _, sec := range f.Sections() {
		values := sec.KeysHash()
		if sec.Name() == ini.DefaultSection {
			h.defaults = values
			continue
		}
		h.Set(sec.Name(), values)
	}
	return h, nil
}

// Set replaces the headers for base.
func (h *Headers) Set(base string, values map[string]string) {
	base = strings.TrimRight(base, "/")
	for i := range h.bases {
		if strings.EqualFold(h.bases[i].base, base) {
			h.bases[i].values = values
			return
		}
	}
	h.bases = append(h.bases, baseHeaders{base: base, values: values})
	// Longest base first so For picks the most specific section.
	sort.SliceStable(h.bases, func(i, j int) bool {
		return len(h.bases[i].base) > len(h.bases[j].base)
	})
}

// For returns the headers to inject for uri. The result is a fresh map.
func (h *Headers) For(uri string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	out := MergeHeaders(nil, h.defaults)
	lower := strings.ToLower(uri)
	for _, b := range h.bases {
		if strings.HasPrefix(lower, strings.ToLower(b.base)) {
			return MergeHeaders(out, b.values)
		}
	}
	return out
}

// MergeHeaders copies base and overlays override; override wins on
// duplicate names, compared case-insensitively.
func MergeHeaders(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		for existing := range out {
			if existing != k && strings.EqualFold(existing, k) {
				delete(out, existing)
			}
		}
		out[k] = v
	}
	return out
}
