// Package profiles manages the mkimage-profiles checkout the builds run in:
// keeping it up to date, generating the conf.d rules for every image/branch
// pair, and installing per-image build scripts.
package profiles

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/altcloud/cloud-build/internal/executil"
	"github.com/altcloud/cloud-build/internal/logging"
	"github.com/altcloud/cloud-build/internal/matrix"
)

// DefaultGitURL is cloned when the manifest does not point at a profiles fork.
const DefaultGitURL = "git://git.altlinux.org/people/antohami/packages/mkimage-profiles.git"

const (
	checkoutName = "mkimage-profiles"
	rulesName    = "cloud-build.mk"
)

// Checkout is a managed mkimage-profiles working tree inside the workspace.
type Checkout struct {
	WorkDir string
	GitURL  string
	Runner  executil.Runner
	Logger  *slog.Logger
}

// Dir returns the checkout directory.
func (c *Checkout) Dir() string {
	return filepath.Join(c.WorkDir, checkoutName)
}

// RulesPath returns the generated conf.d rules file path.
func (c *Checkout) RulesPath() string {
	return filepath.Join(c.Dir(), "conf.d", rulesName)
}

// Ensure clones the profiles repository or fast-forwards an existing
// checkout.
func (c *Checkout) Ensure(ctx context.Context) error {
	logger := logging.Ensure(c.Logger)

	url := c.GitURL
	if url == "" {
		url = DefaultGitURL
	}

	if _, err := os.Stat(c.Dir()); err == nil {
		logger.Info("updating mkimage-profiles")
		return c.Runner.Run(ctx, c.Dir(), "git", "pull", "--ff-only")
	}

	logger.Info("downloading mkimage-profiles")
	return c.Runner.Run(ctx, c.WorkDir, "git", "clone", url, checkoutName)
}

// EscapeBranch turns a branch name into a make-safe target suffix.
func EscapeBranch(branch string) string {
	return strings.ReplaceAll(branch, ".", "_")
}

// TargetName returns the per-branch make target for a job.
func TargetName(job matrix.Job) string {
	return job.Target + "_" + EscapeBranch(job.Branch)
}

// WriteRules generates the conf.d rules file: one rule per distinct
// image/branch pair, carrying branding, package and service recipes.
func (c *Checkout) WriteRules(jobs []matrix.Job) error {
	var rules strings.Builder
	seen := map[string]bool{}

	for _, job := range jobs {
		name := TargetName(job)
		if seen[name] {
			continue
		}
		seen[name] = true

		prerequisites := append([]string{job.Target}, job.Prerequisites...)

		var recipes strings.Builder
		if job.Branding != "" {
			fmt.Fprintf(&recipes, "\n\t@$(call set,BRANDING,%s)", job.Branding)
		}
		for _, pkg := range job.Packages {
			fmt.Fprintf(&recipes, "\n\t@$(call add,BASE_PACKAGES,%s)", pkg)
		}
		for _, service := range job.ServicesEnabled {
			fmt.Fprintf(&recipes, "\n\t@$(call add,DEFAULT_SERVICES_ENABLE,%s)", service)
		}
		for _, service := range job.ServicesDisabled {
			fmt.Fprintf(&recipes, "\n\t@$(call add,DEFAULT_SERVICES_DISABLE,%s)", service)
		}

		fmt.Fprintf(&rules, "%s: %s; @:%s\n", name, strings.Join(prerequisites, " "), recipes.String())
	}

	path := c.RulesPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create conf.d: %w", err)
	}
	if err := os.WriteFile(path, []byte(rules.String()), 0o644); err != nil {
		return fmt.Errorf("write profiles rules: %w", err)
	}
	return nil
}

// RemoveRules deletes the generated rules file.
func (c *Checkout) RemoveRules() error {
	if err := os.Remove(c.RulesPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var targetTypePattern = regexp.MustCompile(`^(\w+)/`)

// targetType derives the feature directory class from a build target:
// "ve/docker" builds under build-ve, plain targets under build-distro.
func targetType(target string) string {
	if match := targetTypePattern.FindStringSubmatch(target); match != nil {
		return match[1]
	}
	return "distro"
}

// ScriptSet tracks installed build scripts so they can be removed before the
// next image reuses the checkout.
type ScriptSet struct {
	paths []string
}

// InstallScripts places a job's scripts into the image-scripts.d directory of
// the target's feature class.
func (c *Checkout) InstallScripts(job matrix.Job) (*ScriptSet, error) {
	dir := filepath.Join(
		c.Dir(),
		"features.in",
		"build-"+targetType(job.Target),
		"image-scripts.d",
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image-scripts.d: %w", err)
	}

	set := &ScriptSet{}
	for _, script := range job.Scripts {
		path := filepath.Join(dir, script.Name)
		if err := os.WriteFile(path, []byte(script.Contents), 0o755); err != nil {
			set.Remove()
			return nil, fmt.Errorf("install script %s: %w", script.Name, err)
		}
		set.paths = append(set.paths, path)
	}
	return set, nil
}

// Remove deletes the installed scripts.
func (s *ScriptSet) Remove() error {
	if s == nil {
		return nil
	}
	var firstErr error
	for _, path := range s.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	s.paths = nil
	return firstErr
}
