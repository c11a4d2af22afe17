// Package testutil provides helpers for tests that enforce package boundary
// rules across the repository.
package testutil

import (
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// ModulePath is the import path prefix of this module.
const ModulePath = "mediaopt"

// ImportPrefixForbidden returns a predicate matching imports of any package
// under one of the given module-relative directories, e.g. "internal/infra".
func ImportPrefixForbidden(dirs ...string) func(string) bool {
	prefixes := make([]string, len(dirs))
	for i, d := range dirs {
		prefixes[i] = ModulePath + "/" + strings.Trim(d, "/")
	}
	return func(path string) bool {
		for _, p := range prefixes {
			if path == p || strings.HasPrefix(path, p+"/") {
				return true
			}
		}
		return false
	}
}

// AssertNoDirectImports fails t if a non-test .go file in dir imports a path
// matching forbidden. Subdirectories are not scanned.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	failIfViolations(t, reason, viols)
}

// AssertTreeNoImports walks root and applies AssertNoDirectImports to every
// package directory for which allowed returns false. allowed receives the
// slash-separated path relative to root.
func AssertTreeNoImports(t testing.TB, root string, forbidden func(string) bool, allowed func(rel string) bool, reason string) {
	t.Helper()
	var viols []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(d.Name(), "_") || strings.HasPrefix(d.Name(), ".") && rel != "." {
			return filepath.SkipDir
		}
		if allowed != nil && allowed(rel) {
			return nil
		}
		v, err := directImportViolations(path, forbidden)
		if err != nil {
			return err
		}
		for _, s := range v {
			viols = append(viols, rel+": "+s)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	sort.Strings(viols)
	failIfViolations(t, reason, viols)
}

func directImportViolations(dir string, forbidden func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range f.Imports {
			ip := strings.Trim(imp.Path.Value, "\"")
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfViolations(t fatalLogger, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden imports detected (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}
