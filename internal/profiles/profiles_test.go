package profiles

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/altcloud/cloud-build/internal/executil"
	"github.com/altcloud/cloud-build/internal/matrix"
)

func intPtr(value int) *int {
	return &value
}

func sampleJobs() []matrix.Job {
	base := matrix.Job{
		Image:            "docker",
		Branch:           "p9.1",
		Target:           "ve/docker",
		Branding:         "alt-starterkit",
		Packages:         []string{"vim-console", "gosu"},
		ServicesEnabled:  []string{"sshd"},
		ServicesDisabled: []string{"postfix"},
		Scripts: []matrix.ResolvedScript{
			{Name: "01-repo", Contents: "#!/bin/sh\n", Number: intPtr(1)},
		},
	}

	x86 := base
	x86.Arch = "x86_64"
	i586 := base
	i586.Arch = "i586"
	return []matrix.Job{x86, i586}
}

func TestWriteRules(t *testing.T) {
	t.Parallel()

	checkout := &Checkout{WorkDir: t.TempDir()}
	if err := checkout.WriteRules(sampleJobs()); err != nil {
		t.Fatalf("WriteRules() error = %v", err)
	}

	data, err := os.ReadFile(checkout.RulesPath())
	if err != nil {
		t.Fatalf("read rules: %v", err)
	}
	content := string(data)

	// Both arch jobs collapse into a single image/branch rule.
	if got := strings.Count(content, "ve/docker_p9_1:"); got != 1 {
		t.Errorf("rules contain %d rules for ve/docker_p9_1, want 1:\n%s", got, content)
	}

	for _, line := range []string{
		"\t@$(call set,BRANDING,alt-starterkit)",
		"\t@$(call add,BASE_PACKAGES,vim-console)",
		"\t@$(call add,BASE_PACKAGES,gosu)",
		"\t@$(call add,DEFAULT_SERVICES_ENABLE,sshd)",
		"\t@$(call add,DEFAULT_SERVICES_DISABLE,postfix)",
	} {
		if !strings.Contains(content, line) {
			t.Errorf("rules missing line %q:\n%s", line, content)
		}
	}

	if err := checkout.RemoveRules(); err != nil {
		t.Fatalf("RemoveRules() error = %v", err)
	}
	if _, err := os.Stat(checkout.RulesPath()); !os.IsNotExist(err) {
		t.Error("rules file still present after RemoveRules()")
	}
}

func TestEscapeBranch(t *testing.T) {
	t.Parallel()

	if got := EscapeBranch("p9.1"); got != "p9_1" {
		t.Errorf("EscapeBranch(p9.1) = %q, want p9_1", got)
	}
	if got := EscapeBranch("Sisyphus"); got != "Sisyphus" {
		t.Errorf("EscapeBranch(Sisyphus) = %q", got)
	}
}

func TestTargetType(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"ve/docker":  "ve",
		"vm/systemd": "vm",
		"regular":    "distro",
	}
	for target, want := range cases {
		if got := targetType(target); got != want {
			t.Errorf("targetType(%q) = %q, want %q", target, got, want)
		}
	}
}

func TestInstallScripts(t *testing.T) {
	t.Parallel()

	checkout := &Checkout{WorkDir: t.TempDir()}
	jobs := sampleJobs()

	set, err := checkout.InstallScripts(jobs[0])
	if err != nil {
		t.Fatalf("InstallScripts() error = %v", err)
	}

	path := filepath.Join(checkout.Dir(), "features.in", "build-ve", "image-scripts.d", "01-repo")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("installed script missing: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("script mode = %v, want 0755", info.Mode().Perm())
	}

	if err := set.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("script still present after Remove()")
	}
}

func TestEnsureClonesWhenMissing(t *testing.T) {
	t.Parallel()

	runner := &executil.FakeRunner{}
	checkout := &Checkout{WorkDir: t.TempDir(), Runner: runner}

	if err := checkout.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !runner.CalledWith("git clone " + DefaultGitURL) {
		t.Errorf("Ensure() calls = %v, want git clone", runner.Calls)
	}

	if err := os.MkdirAll(checkout.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := checkout.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !runner.CalledWith("git pull --ff-only") {
		t.Errorf("Ensure() calls = %v, want git pull", runner.Calls)
	}
}
