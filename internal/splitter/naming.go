package splitter

import (
	"fmt"
	"path/filepath"
	"strings"
)

const gzipExt = ".gz"

// PartitionName returns the name of partition n for base:
// <dir>/<base-without-ext>.split-<n><ext>, plus .gz when compressed.
func PartitionName(base string, n int, compress bool) string {
	stem, ext := splitExt(base)
	name := fmt.Sprintf("%s.split-%d%s", stem, n, ext)
	if compress {
		name += gzipExt
	}
	return name
}

// SingleName is the name used when the output is not split.
func SingleName(base string, compress bool) string {
	if compress && !strings.HasSuffix(base, gzipExt) {
		return base + gzipExt
	}
	return base
}

// splitExt separates the extension, ignoring a trailing .gz so that
// "out.json.gz" splits as "out" + ".json".
func splitExt(base string) (string, string) {
	base = strings.TrimSuffix(base, gzipExt)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}
