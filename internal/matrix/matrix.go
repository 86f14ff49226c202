// Package matrix expands a manifest into the concrete set of build jobs:
// one job per eligible (image, branch, architecture) combination, with the
// effective repository URLs, scripts, packages and output names resolved.
package matrix

import (
	"fmt"
	"sort"

	"github.com/altcloud/cloud-build/internal/manifest"
)

// Job is the resolved unit of work for one (image, branch, arch) combination.
type Job struct {
	Image  string
	Branch string
	Arch   string

	Target        string
	Kinds         []string
	RepositoryURL string
	ImageRepo     string
	Branding      string
	SizeBytes     string
	Prerequisites []string

	Scripts          []ResolvedScript
	Packages         []string
	ServicesEnabled  []string
	ServicesDisabled []string
	Tests            []string

	// OutputNames maps each kind to the final artifact filename, rename
	// rules already applied. RenameProg, when set, names an external
	// program that produces the final name at publish time instead.
	OutputNames map[string]string
	RenameProg  string
}

// ResolvedScript is a script selected for a job. Name carries the zero-padded
// ordering prefix so that lexicographic order equals execution order.
type ResolvedScript struct {
	Name     string
	Contents string
	Number   *int
}

// Resolve expands the manifest into an ordered sequence of build jobs.
// An empty result is a valid outcome, not an error.
func Resolve(m *manifest.Manifest) ([]Job, error) {
	var jobs []Job

	badArches := toSet(m.BadArches)

	for _, branch := range m.BranchNames() {
		for _, imageName := range m.ImageNames() {
			image := m.Images[imageName]
			if contains(image.ExcludeBranches, branch) {
				continue
			}
			if image.Target == "" {
				return nil, &manifest.ConfigError{
					Reason: fmt.Sprintf("image %q has no build target", imageName),
				}
			}
			if len(image.Kinds) == 0 {
				return nil, &manifest.ConfigError{
					Reason: fmt.Sprintf("image %q declares no output kinds", imageName),
				}
			}

			for _, archName := range m.ArchesByBranch(branch) {
				if _, bad := badArches[archName]; bad {
					continue
				}
				if contains(image.ExcludeArches, archName) {
					continue
				}

				job, err := resolveJob(m, imageName, image, branch, archName)
				if err != nil {
					return nil, err
				}
				jobs = append(jobs, job)
			}
		}
	}

	return jobs, nil
}

func resolveJob(m *manifest.Manifest, imageName string, image manifest.Image, branch, archName string) (Job, error) {
	repoURL, err := RepositoryURL(m, branch, archName)
	if err != nil {
		return Job{}, err
	}
	imageRepo, err := ImageRepo(m, branch, archName)
	if err != nil {
		return Job{}, err
	}

	scripts := resolveScripts(m, image)

	packages := append([]string(nil), image.Packages...)
	packages = append(packages, selectOverrides(m.Packages, imageName, branch, "")...)

	enabled := append([]string(nil), image.ServicesEnabled...)
	enabled = append(enabled, selectOverrides(m.Services, imageName, branch, "enabled?")...)

	disabled := append([]string(nil), image.ServicesDisabled...)
	disabled = append(disabled, selectOverrides(m.Services, imageName, branch, "disabled?")...)

	size := ""
	if image.Size != "" {
		size, err = ConvertSize(string(image.Size))
		if err != nil {
			return Job{}, err
		}
	}

	branding := image.Branding
	if branding == "" {
		branding = m.Branches[branch].Branding
	}

	tests := make([]string, 0, len(image.Tests))
	for _, test := range image.Tests {
		tests = append(tests, test.Method)
	}

	outputs := map[string]string{}
	renameProg := ""
	for _, kind := range image.Kinds {
		name := OutputName(imageName, branch, archName, kind)
		if image.Rename != nil {
			if image.Rename.Prog != "" {
				renameProg = image.Rename.Prog
			} else {
				name, err = ApplyRename(image.Rename, name)
				if err != nil {
					return Job{}, err
				}
			}
		}
		outputs[kind] = name
	}

	prerequisites := append([]string(nil), m.Branches[branch].Prerequisites...)
	prerequisites = append(prerequisites, image.Prerequisites...)

	return Job{
		Image:            imageName,
		Branch:           branch,
		Arch:             archName,
		Target:           image.Target,
		Kinds:            append([]string(nil), image.Kinds...),
		RepositoryURL:    repoURL,
		ImageRepo:        imageRepo,
		Branding:         branding,
		SizeBytes:        size,
		Prerequisites:    prerequisites,
		Scripts:          scripts,
		Packages:         packages,
		ServicesEnabled:  enabled,
		ServicesDisabled: disabled,
		Tests:            tests,
		OutputNames:      outputs,
		RenameProg:       renameProg,
	}, nil
}

// RepositoryURL resolves the effective package repository for a branch and
// architecture: per-arch override first, then per-branch, then the global
// default, with {branch} and {arch} substituted.
func RepositoryURL(m *manifest.Manifest, branch, archName string) (string, error) {
	url := m.Branches[branch].Arches[archName].RepositoryURL
	if url == "" {
		url = m.Branches[branch].RepositoryURL
	}
	if url == "" {
		url = m.RepositoryURL
	}
	return Expand(url, branch, archName)
}

// ImageRepo resolves the optional image repository the same way. An empty
// result means no image repository is configured.
func ImageRepo(m *manifest.Manifest, branch, archName string) (string, error) {
	url := m.Branches[branch].Arches[archName].ImageRepo
	if url == "" {
		url = m.Branches[branch].ImageRepo
	}
	if url == "" {
		url = m.ImageRepo
	}
	if url == "" {
		return "", nil
	}
	return Expand(url, branch, archName)
}

// OutputName returns the canonical artifact filename before rename rules.
func OutputName(image, branch, archName, kind string) string {
	return fmt.Sprintf("alt-%s-%s-%s.%s", lower(branch), image, archName, kind)
}

// resolveScripts selects the effective scripts for an image: global scripts
// minus the image's no_scripts, plus scripts the image lists by name, ordered
// ascending by number.
func resolveScripts(m *manifest.Manifest, image manifest.Image) []ResolvedScript {
	var scripts []ResolvedScript
	for name, script := range m.Scripts {
		global := script.Global && !contains(image.NoScripts, name)
		if !global && !contains(image.Scripts, name) {
			continue
		}

		resolved := ResolvedScript{
			Name:     name,
			Contents: script.Contents,
			Number:   script.Number,
		}
		if script.Number != nil {
			resolved.Name = fmt.Sprintf("%02d-%s", *script.Number, name)
		}
		scripts = append(scripts, resolved)
	}

	sort.Slice(scripts, func(i, j int) bool {
		a, b := scripts[i], scripts[j]
		switch {
		case a.Number != nil && b.Number != nil && *a.Number != *b.Number:
			return *a.Number < *b.Number
		case a.Number != nil && b.Number == nil:
			return true
		case a.Number == nil && b.Number != nil:
			return false
		default:
			return a.Name < b.Name
		}
	})
	return scripts
}

// selectOverrides ports the manifest-level package/service selection: an
// entry applies when the image and branch pass its include and exclude lists
// and its state matches statePattern. Empty include lists mean no constraint.
func selectOverrides(entries map[string]manifest.Override, image, branch, statePattern string) []string {
	var names []string
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var selected []string
	for _, name := range names {
		entry := entries[name]
		if contains(entry.ExcludeImages, image) || contains(entry.ExcludeBranches, branch) {
			continue
		}
		if len(entry.Images) > 0 && !contains(entry.Images, image) {
			continue
		}
		if len(entry.Branch) > 0 && !contains(entry.Branch, branch) {
			continue
		}
		if !stateMatches(statePattern, entry.State) {
			continue
		}
		selected = append(selected, name)
	}
	return selected
}

func contains(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return set
}
