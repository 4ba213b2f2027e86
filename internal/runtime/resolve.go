package runtime

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/nuclio/errors"
)

// moduleExtensions are tried, in order, when resolving a handler entry.
var moduleExtensions = []string{".js", ".cjs", ".mjs"}

// ResolveEntry resolves a handler spec of the form "path/to/module.export"
// to the module file and export name. The module path is tried with each
// known extension, then as a directory containing index.js.
//
// Both the registry and the packager resolve entries through this
// function, so dev-mode and packaged lookups cannot diverge.
func ResolveEntry(baseDir, spec string) (file, export string, err error) {
	idx := strings.LastIndex(spec, ".")
	if idx <= 0 || idx == len(spec)-1 {
		return "", "", errors.Errorf("handler %q must be in path/to/module.export form", spec)
	}

	modPath, export := spec[:idx], spec[idx+1:]
	base := filepath.Join(baseDir, filepath.FromSlash(modPath))

	for _, ext := range moduleExtensions {
		candidate := base + ext
		if isFile(candidate) {
			return candidate, export, nil
		}
	}

	indexFile := filepath.Join(base, "index.js")
	if isFile(indexFile) {
		return indexFile, export, nil
	}

	return "", "", errors.Errorf("cannot resolve handler module %q under %s", modPath, baseDir)
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
