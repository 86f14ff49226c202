// Package manifest models the declarative build configuration: which images
// to build, for which branches and architectures, and everything that gets
// injected into the builds (scripts, packages, services).
package manifest

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRepositoryURL is used when the manifest does not set repository_url.
const DefaultRepositoryURL = "copy:///space/ALT/{branch}"

// Manifest is the parsed build configuration. It is read once per invocation
// and never mutated afterwards.
type Manifest struct {
	Remote             string            `yaml:"remote"`
	Key                SigningKey        `yaml:"key"`
	RepositoryURL      string            `yaml:"repository_url"`
	ImageRepo          string            `yaml:"image_repo"`
	BadArches          []string          `yaml:"bad_arches"`
	RebuildAfter       RebuildWindow     `yaml:"rebuild_after"`
	NoDelete           *bool             `yaml:"no_delete"`
	TryBuildAll        bool              `yaml:"try_build_all"`
	ExternalFiles      string            `yaml:"external_files"`
	MkimageProfilesGit string            `yaml:"mkimage_profiles_git"`
	LogLevel           string            `yaml:"log_level"`
	AfterSyncCommands  []string          `yaml:"after_sync_commands"`

	Images   map[string]Image    `yaml:"images"`
	Branches map[string]Branch   `yaml:"branches"`
	Scripts  map[string]Script   `yaml:"scripts"`
	Packages map[string]Override `yaml:"packages"`
	Services map[string]Override `yaml:"services"`
}

// Branch describes one distribution release line.
type Branch struct {
	Arches        map[string]ArchOverride `yaml:"arches"`
	RepositoryURL string                  `yaml:"repository_url"`
	ImageRepo     string                  `yaml:"image_repo"`
	Branding      string                  `yaml:"branding"`
	Prerequisites []string                `yaml:"prerequisites"`
}

// ArchOverride carries per-architecture repository overrides inside a branch.
type ArchOverride struct {
	RepositoryURL string `yaml:"repository_url"`
	ImageRepo     string `yaml:"image_repo"`
}

// Image describes a named build target.
type Image struct {
	Target           string    `yaml:"target"`
	Kinds            []string  `yaml:"kinds"`
	Size             Scalar    `yaml:"size"`
	ExcludeArches    []string  `yaml:"exclude_arches"`
	ExcludeBranches  []string  `yaml:"exclude_branches"`
	Scripts          []string  `yaml:"scripts"`
	NoScripts        []string  `yaml:"no_scripts"`
	Packages         []string  `yaml:"packages"`
	ServicesEnabled  []string  `yaml:"services_enabled"`
	ServicesDisabled []string  `yaml:"services_disabled"`
	Tests            []Test    `yaml:"tests"`
	Rename           *Rename   `yaml:"rename"`
	Branding         string    `yaml:"branding"`
	Prerequisites    []string  `yaml:"prerequisites"`
}

// Script is a shell fragment injected into image builds. Global scripts apply
// to every image that does not opt out; the rest apply only to images listing
// them by name.
type Script struct {
	Contents string `yaml:"contents"`
	Global   bool   `yaml:"global"`
	Number   *int   `yaml:"number"`
}

// Test names an image test method, e.g. "docker", "lxd", "vm" or "prog(x)".
type Test struct {
	Method string `yaml:"method"`
}

// Rename adjusts the output artifact filename. Exactly one of Regex/To,
// plain To, or Prog applies.
type Rename struct {
	Regex string `yaml:"regex"`
	To    string `yaml:"to"`
	Prog  string `yaml:"prog"`
}

// Override constrains a manifest-level package or service entry to a subset
// of images and branches.
type Override struct {
	Images          []string `yaml:"images"`
	Branch          []string `yaml:"branch"`
	ExcludeImages   []string `yaml:"exclude_images"`
	ExcludeBranches []string `yaml:"exclude_branches"`
	State           string   `yaml:"state"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("could not read config file %q: %v", path, err)}
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("could not parse config: %v", err)}
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	m.applyDefaults()
	return &m, nil
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Remote) == "" {
		return requiredParameter("remote")
	}
	if m.Images == nil {
		return requiredParameter("images")
	}
	if len(m.Branches) == 0 {
		return requiredParameter("branches")
	}
	return nil
}

func (m *Manifest) applyDefaults() {
	if m.RepositoryURL == "" {
		m.RepositoryURL = DefaultRepositoryURL
	}
	if m.RebuildAfter.Duration == 0 {
		m.RebuildAfter.Duration = 24 * time.Hour
	}
}

func requiredParameter(name string) error {
	return &ConfigError{Reason: fmt.Sprintf("required parameter %q is not set in config", name)}
}

// KeepOldImages reports whether synced images absent locally should survive
// on the remote (no_delete, default true).
func (m *Manifest) KeepOldImages() bool {
	if m.NoDelete == nil {
		return true
	}
	return *m.NoDelete
}

// BranchNames returns the branch names in stable sorted order.
func (m *Manifest) BranchNames() []string {
	names := make([]string, 0, len(m.Branches))
	for name := range m.Branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ImageNames returns the image names in stable sorted order.
func (m *Manifest) ImageNames() []string {
	names := make([]string, 0, len(m.Images))
	for name := range m.Images {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ArchesByBranch returns the architectures of a branch in stable sorted order.
func (m *Manifest) ArchesByBranch(branch string) []string {
	arches := make([]string, 0, len(m.Branches[branch].Arches))
	for name := range m.Branches[branch].Arches {
		arches = append(arches, name)
	}
	sort.Strings(arches)
	return arches
}

// AllArches returns the union of architectures over all branches, sorted.
func (m *Manifest) AllArches() []string {
	seen := map[string]struct{}{}
	for _, branch := range m.Branches {
		for name := range branch.Arches {
			seen[name] = struct{}{}
		}
	}
	arches := make([]string, 0, len(seen))
	for name := range seen {
		arches = append(arches, name)
	}
	sort.Strings(arches)
	return arches
}

// SigningKey holds the GPG key identifier. Numeric keys are rendered as
// uppercase hex to match what gpg expects.
type SigningKey string

// UnmarshalYAML accepts either a string or an integer scalar.
func (k *SigningKey) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("key must be a scalar")
	}
	if id, err := strconv.ParseInt(node.Value, 10, 64); err == nil && node.Tag == "!!int" {
		*k = SigningKey(fmt.Sprintf("%X", id))
		return nil
	}
	*k = SigningKey(node.Value)
	return nil
}

// Scalar preserves the textual form of a YAML scalar regardless of its tag,
// so values like `size: 300` and `size: 200k` decode uniformly.
type Scalar string

// UnmarshalYAML records the raw scalar text.
func (s *Scalar) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("expected a scalar value")
	}
	*s = Scalar(node.Value)
	return nil
}

// RebuildWindow is how long a built tarball stays fresh before it is rebuilt.
type RebuildWindow struct {
	Duration time.Duration
}

var rebuildUnits = map[string]time.Duration{
	"weeks":   7 * 24 * time.Hour,
	"days":    24 * time.Hour,
	"hours":   time.Hour,
	"minutes": time.Minute,
	"seconds": time.Second,
}

// UnmarshalYAML decodes a mapping of duration components, e.g. {days: 1}.
func (w *RebuildWindow) UnmarshalYAML(node *yaml.Node) error {
	var components map[string]float64
	if err := node.Decode(&components); err != nil {
		return fmt.Errorf("rebuild_after must be a mapping of duration units")
	}

	var total time.Duration
	for unit, amount := range components {
		scale, ok := rebuildUnits[unit]
		if !ok {
			return &ConfigError{Reason: fmt.Sprintf("invalid key %q passed to rebuild_after", unit)}
		}
		total += time.Duration(amount * float64(scale))
	}
	w.Duration = total
	return nil
}
