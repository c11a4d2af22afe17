package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type captureT struct {
	testing.TB
	msg string
}

func (c *captureT) Helper() {}

func (c *captureT) Fatalf(format string, args ...any) {
	c.msg = format
}

func writeGo(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestImportPrefixForbidden(t *testing.T) {
	pred := ImportPrefixForbidden("internal/infra", "/internal/workcell/sim/")
	cases := map[string]bool{
		"mediaopt/internal/infra":                   true,
		"mediaopt/internal/infra/blob/s3":           true,
		"mediaopt/internal/infrastructure":          false,
		"mediaopt/internal/workcell/sim":            true,
		"mediaopt/internal/workcell":                false,
		"github.com/aws/aws-sdk-go-v2/service/s3":   false,
	}
	for path, want := range cases {
		if got := pred(path); got != want {
			t.Fatalf("pred(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestAssertNoDirectImportsSkipsTests(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "package a\n\nimport _ \"mediaopt/internal/infra/blob/fs\"\n")
	writeGo(t, dir, "a_test.go", "package a\n\nimport _ \"mediaopt/internal/workcell/sim\"\n")

	ct := &captureT{TB: t}
	AssertNoDirectImports(ct, dir, ImportPrefixForbidden("internal/workcell/sim"), "sim")
	if ct.msg != "" {
		t.Fatalf("test files must be ignored")
	}
	AssertNoDirectImports(ct, dir, ImportPrefixForbidden("internal/infra"), "infra")
	if !strings.Contains(ct.msg, "forbidden imports") {
		t.Fatalf("expected violation, got %q", ct.msg)
	}
}

func TestAssertTreeNoImportsHonoursAllowList(t *testing.T) {
	root := t.TempDir()
	writeGo(t, filepath.Join(root, "blob"), "b.go", "package blob\n\nimport _ \"mediaopt/internal/infra/blob/fs\"\n")
	writeGo(t, filepath.Join(root, "controller"), "c.go", "package controller\n\nimport _ \"fmt\"\n")
	writeGo(t, filepath.Join(root, "_skip"), "s.go", "package skip\n\nimport _ \"mediaopt/internal/infra/blob/fs\"\n")

	ct := &captureT{TB: t}
	AssertTreeNoImports(ct, root, ImportPrefixForbidden("internal/infra/blob"), func(rel string) bool {
		return rel == "blob"
	}, "blob")
	if ct.msg != "" {
		t.Fatalf("unexpected violation")
	}
	AssertTreeNoImports(ct, root, ImportPrefixForbidden("internal/infra/blob"), nil, "blob")
	if ct.msg == "" {
		t.Fatalf("expected violation in blob without allow list")
	}
}
