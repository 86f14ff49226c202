// Package aptconf generates the per (branch, architecture) APT configuration
// pairs the image builds point their package manager at.
package aptconf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/altcloud/cloud-build/internal/manifest"
	"github.com/altcloud/cloud-build/internal/matrix"
)

const taskRepoBase = "http://git.altlinux.org"

var confTemplate = template.Must(template.New("apt.conf").Parse(
	`Dir::Etc::main "/dev/null";
Dir::Etc::parts "/var/empty";
Dir::Etc::SourceList "{{.SourcesList}}";
Dir::Etc::SourceParts "/var/empty";
Dir::Etc::preferences "/dev/null";
Dir::Etc::preferencesparts "/var/empty";
`))

var sourcesTemplate = template.Must(template.New("sources.list").Parse(
	`rpm {{.Repository}} {{.Arch}} classic
{{- if .WithNoarch}}
rpm {{.Repository}} noarch classic
{{- end}}
{{- range .Tasks}}
rpm {{$.TaskRepo}} repo/{{.}}/{{$.Arch}} task
{{- end}}
`))

// Generator writes APT config files into Dir for every branch/arch pair of a
// manifest.
type Generator struct {
	Dir string
	// Tasks maps a lowercased branch name to task repository identifiers
	// to mix into that branch's sources.
	Tasks map[string][]string
}

// ConfPath returns the apt.conf path for a branch and architecture.
func (g *Generator) ConfPath(branch, archName string) string {
	return filepath.Join(g.Dir, fmt.Sprintf("apt.conf.%s.%s", branch, archName))
}

// SourcesPath returns the sources.list path for a branch and architecture.
func (g *Generator) SourcesPath(branch, archName string) string {
	return filepath.Join(g.Dir, fmt.Sprintf("sources.list.%s.%s", branch, archName))
}

// Write generates config pairs for every branch and architecture declared in
// the manifest.
func (g *Generator) Write(m *manifest.Manifest) error {
	if g.Dir == "" {
		return fmt.Errorf("apt config directory is not configured")
	}
	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return fmt.Errorf("create apt config directory: %w", err)
	}

	badArches := map[string]bool{}
	for _, archName := range m.BadArches {
		badArches[archName] = true
	}

	for _, branch := range m.BranchNames() {
		for _, archName := range m.ArchesByBranch(branch) {
			repository, err := matrix.RepositoryURL(m, branch, archName)
			if err != nil {
				return err
			}
			if err := g.writePair(branch, archName, repository, !badArches[archName]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Generator) writePair(branch, archName, repository string, withNoarch bool) error {
	var conf strings.Builder
	err := confTemplate.Execute(&conf, struct{ SourcesList string }{
		SourcesList: g.SourcesPath(branch, archName),
	})
	if err != nil {
		return fmt.Errorf("render apt.conf for %s/%s: %w", branch, archName, err)
	}
	if err := os.WriteFile(g.ConfPath(branch, archName), []byte(conf.String()), 0o644); err != nil {
		return err
	}

	var sources strings.Builder
	err = sourcesTemplate.Execute(&sources, struct {
		Repository string
		Arch       string
		WithNoarch bool
		Tasks      []string
		TaskRepo   string
	}{
		Repository: repository,
		Arch:       archName,
		WithNoarch: withNoarch,
		Tasks:      g.Tasks[strings.ToLower(branch)],
		TaskRepo:   taskRepoBase,
	})
	if err != nil {
		return fmt.Errorf("render sources.list for %s/%s: %w", branch, archName, err)
	}
	return os.WriteFile(g.SourcesPath(branch, archName), []byte(sources.String()), 0o644)
}
