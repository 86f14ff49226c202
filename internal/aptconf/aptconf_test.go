package aptconf

import (
	"os"
	"strings"
	"testing"

	"github.com/altcloud/cloud-build/internal/manifest"
)

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()

	doc := `
remote: /srv/images
repository_url: copy:///space/ALT/{branch}
bad_arches:
  - armh
images: {}
branches:
  p9:
    arches:
      x86_64:
      armh:
`
	m, err := manifest.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return m
}

func TestWritePairs(t *testing.T) {
	t.Parallel()

	gen := &Generator{
		Dir:   t.TempDir(),
		Tasks: map[string][]string{"p9": {"241337"}},
	}

	if err := gen.Write(testManifest(t)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	conf, err := os.ReadFile(gen.ConfPath("p9", "x86_64"))
	if err != nil {
		t.Fatalf("read apt.conf: %v", err)
	}
	if !strings.Contains(string(conf), `Dir::Etc::SourceList "`+gen.SourcesPath("p9", "x86_64")+`"`) {
		t.Errorf("apt.conf does not reference sources.list:\n%s", conf)
	}

	sources, err := os.ReadFile(gen.SourcesPath("p9", "x86_64"))
	if err != nil {
		t.Fatalf("read sources.list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(sources)), "\n")
	want := []string{
		"rpm copy:///space/ALT/p9 x86_64 classic",
		"rpm copy:///space/ALT/p9 noarch classic",
		"rpm http://git.altlinux.org repo/241337/x86_64 task",
	}
	if len(lines) != len(want) {
		t.Fatalf("sources.list has %d lines, want %d:\n%s", len(lines), len(want), sources)
	}
	for i, line := range want {
		if lines[i] != line {
			t.Errorf("sources.list line %d = %q, want %q", i, lines[i], line)
		}
	}
}

func TestBadArchSkipsNoarch(t *testing.T) {
	t.Parallel()

	gen := &Generator{Dir: t.TempDir()}
	if err := gen.Write(testManifest(t)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	sources, err := os.ReadFile(gen.SourcesPath("p9", "armh"))
	if err != nil {
		t.Fatalf("read sources.list: %v", err)
	}
	if strings.Contains(string(sources), "noarch") {
		t.Errorf("bad arch sources.list mentions noarch:\n%s", sources)
	}
}
