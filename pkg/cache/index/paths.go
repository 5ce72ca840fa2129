package index

import (
	"path/filepath"
	"strings"
)

// SerializeFileName names the index document inside its directory.
const SerializeFileName = "cache_index.json"

var (
	pathReplacer = strings.NewReplacer(`\`, "_", "/", "_", ".", "_", ":", "_")
	idReplacer   = strings.NewReplacer("<", "_", ">", "_", ":", "_", `"`, "_", "|", "_", "?", "_", "*", "_")
)

// BaseURIPath turns a base uri into a single directory name: scheme and
// drive letter are dropped, then separators, dots and colons become '_'.
//
//	https://api.example.com/v1 -> api_example_com_v1
func BaseURIPath(baseURI string) string {
	p := baseURI
	lower := strings.ToLower(p)
	switch {
	case strings.HasPrefix(lower, "https://"):
		p = p[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		p = p[len("http://"):]
	}
	if len(p) >= 2 && p[1] == ':' && isLetter(p[0]) {
		p = p[2:]
	}
	p = strings.TrimLeft(p, `/\`)
	return pathReplacer.Replace(p)
}

// ItemFileName is the on-disk name for an item id.
func ItemFileName(id string) string {
	return idReplacer.Replace(id)
}

// DocumentName is the logical store name of the index document for baseURI.
func DocumentName(baseURI string) string {
	return BaseURIPath(baseURI) + "/" + SerializeFileName
}

// Dir is the directory holding an index's files below cachePath.
func Dir(cachePath, baseURI string) string {
	return filepath.Join(cachePath, BaseURIPath(baseURI))
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
