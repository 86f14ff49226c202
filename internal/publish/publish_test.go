package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/altcloud/cloud-build/internal/executil"
	"github.com/altcloud/cloud-build/internal/manifest"
	"github.com/altcloud/cloud-build/internal/workspace"
)

const manifestDoc = `remote: /srv/images/{branch}/{arch}
key: '0x12345678'
images: {}
branches:
  Sisyphus:
    arches:
      x86_64:
  p10:
    arches:
      x86_64:
`

func testService(t *testing.T, doc string) (*Service, *executil.FakeRunner) {
	t.Helper()

	m, err := manifest.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	w, err := workspace.Open(t.TempDir(), m.Remote)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	if err := w.EnsureImagesDirs(m); err != nil {
		t.Fatalf("EnsureImagesDirs() error = %v", err)
	}

	runner := &executil.FakeRunner{}
	return &Service{Runner: runner, Workspace: w, Manifest: m}, runner
}

func TestSignWritesChecksumAndSignature(t *testing.T) {
	t.Parallel()

	svc, runner := testService(t, manifestDoc)
	dir := svc.Workspace.ImagesDir("Sisyphus", "x86_64")
	if err := os.WriteFile(filepath.Join(dir, "alt-sisyphus-vm-x86_64.qcow2"), []byte("image"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The fake gpg2 leaves the detached signature behind like the real one.
	runner.OnRun = func(cmdDir, name string, args []string) error {
		if name == "gpg2" {
			return os.WriteFile(filepath.Join(cmdDir, "SHA256SUM.asc"), []byte("sig"), 0o644)
		}
		return nil
	}
	runner.Outputs = map[string]string{
		"sha256sum alt-sisyphus-vm-x86_64.qcow2": "deadbeef  alt-sisyphus-vm-x86_64.qcow2\n",
	}

	if err := svc.Sign(context.Background()); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	sums, err := os.ReadFile(filepath.Join(dir, "SHA256SUM"))
	if err != nil {
		t.Fatalf("read SHA256SUM: %v", err)
	}
	if !strings.Contains(string(sums), "alt-sisyphus-vm-x86_64.qcow2") {
		t.Errorf("SHA256SUM = %q", sums)
	}
	for _, name := range []string{"SHA256SUMS", "SHA256SUMS.gpg"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if !runner.CalledWith("gpg2 --yes -basu 0x12345678 SHA256SUM") {
		t.Errorf("gpg2 not invoked as expected: %v", runner.Calls)
	}
}

func TestSignRequiresKey(t *testing.T) {
	t.Parallel()

	svc, _ := testService(t, strings.Replace(manifestDoc, "key: '0x12345678'\n", "", 1))

	err := svc.Sign(context.Background())
	var cfgErr *manifest.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Sign() error = %v, want ConfigError", err)
	}
}

func TestSyncPerPairWithDelete(t *testing.T) {
	t.Parallel()

	svc, runner := testService(t, manifestDoc+"no_delete: false\n")

	if err := svc.Sync(context.Background(), false); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	var rsyncCalls int
	for _, call := range runner.Calls {
		if strings.HasPrefix(call, "rsync ") {
			rsyncCalls++
			if !strings.Contains(call, "--delete") {
				t.Errorf("rsync call misses --delete: %q", call)
			}
		}
	}
	if rsyncCalls != 2 {
		t.Errorf("got %d rsync calls, want one per branch/arch pair", rsyncCalls)
	}
	if !runner.CalledWith("/srv/images/Sisyphus/x86_64") {
		t.Errorf("formatted remote missing: %v", runner.Calls)
	}
}

func TestSyncKeepsOldImagesByDefault(t *testing.T) {
	t.Parallel()

	svc, runner := testService(t, manifestDoc)

	if err := svc.Sync(context.Background(), false); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if runner.CalledWith("--delete") {
		t.Errorf("rsync used --delete despite default no_delete: %v", runner.Calls)
	}
}

func TestAfterSyncCommandsOverSSH(t *testing.T) {
	t.Parallel()

	doc := strings.Replace(manifestDoc, "remote: /srv/images/{branch}/{arch}", "remote: builder@example.org:/srv/images/{branch}/{arch}", 1)
	svc, runner := testService(t, doc+"after_sync_commands:\n  - update-mirror\n")

	if err := svc.Sync(context.Background(), false); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !runner.CalledWith("ssh builder@example.org update-mirror") {
		t.Errorf("after-sync command not run over ssh: %v", runner.Calls)
	}
}

func TestAfterSyncCommandsLocally(t *testing.T) {
	t.Parallel()

	svc, runner := testService(t, manifestDoc+"after_sync_commands:\n  - update-mirror\n")

	if err := svc.Sync(context.Background(), false); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if runner.CalledWith("ssh") {
		t.Errorf("local remote must not use ssh: %v", runner.Calls)
	}
	if !runner.CalledWith("update-mirror") {
		t.Errorf("after-sync command not run: %v", runner.Calls)
	}
}

func TestCopyExternalFiles(t *testing.T) {
	t.Parallel()

	external := t.TempDir()
	if err := os.MkdirAll(filepath.Join(external, "Sisyphus", "x86_64"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(external, "Sisyphus", "x86_64", "README"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc, _ := testService(t, manifestDoc+"external_files: "+external+"\n")
	if err := svc.CopyExternalFiles(); err != nil {
		t.Fatalf("CopyExternalFiles() error = %v", err)
	}

	copied := filepath.Join(svc.Workspace.ImagesDir("Sisyphus", "x86_64"), "README")
	data, err := os.ReadFile(copied)
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("copied contents = %q", data)
	}
}

func TestCopyExternalFilesUnknownBranch(t *testing.T) {
	t.Parallel()

	external := t.TempDir()
	if err := os.MkdirAll(filepath.Join(external, "p3", "x86_64"), 0o755); err != nil {
		t.Fatal(err)
	}

	svc, _ := testService(t, manifestDoc+"external_files: "+external+"\n")
	err := svc.CopyExternalFiles()
	if err == nil || !strings.Contains(err.Error(), "unknown branch p3") {
		t.Fatalf("CopyExternalFiles() error = %v, want unknown branch", err)
	}
}
