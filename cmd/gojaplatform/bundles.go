package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	gojaplatform "github.com/joeycumines/goja-platform"
)

// dirBundleLoader serves bundles from a directory, laid out as
//
//	<dir>/<name>/*.js   modules, evaluated in lexical order
//	<dir>/<name>.js.map optional source map
//
// A missing bundle directory means the bundle does not exist.
func dirBundleLoader(fsys fs.FS) gojaplatform.BundleLoader {
	return func(name gojaplatform.BundleName) (*gojaplatform.BundleSource, error) {
		entries, err := fs.ReadDir(fsys, string(name))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		src := &gojaplatform.BundleSource{Name: name}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
				continue
			}
			b, err := fs.ReadFile(fsys, string(name)+"/"+entry.Name())
			if err != nil {
				return nil, err
			}
			src.Modules = append(src.Modules, gojaplatform.BundleModule{Name: entry.Name(), Source: string(b)})
		}
		slices.SortFunc(src.Modules, func(a, b gojaplatform.BundleModule) int { return strings.Compare(a.Name, b.Name) })

		sm, err := fs.ReadFile(fsys, string(name)+".js.map")
		switch {
		case err == nil:
			src.SourceMap = string(sm)
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}

		return src, nil
	}
}

// readScript loads a script, naming it by its path relative to the working
// directory where possible.
func readScript(path string) (name, source string, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read script: %w", err)
	}
	name = path
	if wd, err := os.Getwd(); err == nil {
		if abs, err := filepath.Abs(path); err == nil {
			if rel, err := filepath.Rel(wd, abs); err == nil && !strings.HasPrefix(rel, "..") {
				name = rel
			}
		}
	}
	return name, string(b), nil
}
