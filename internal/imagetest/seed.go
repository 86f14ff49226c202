package imagetest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

const seedMetaData = `instance-id: cloud-build-test
local-hostname: cloud-build-test
`

const seedUserData = `#cloud-config
ssh_pwauth: true
password: cloud-build
chpasswd:
  expire: false
`

// writeSeedImage creates a NoCloud cidata ISO next to the image under test so
// cloud-init inside the guest configures itself without a metadata service.
func writeSeedImage(dir string) (string, error) {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return "", fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	files := map[string]string{
		"meta-data": seedMetaData,
		"user-data": seedUserData,
	}
	for name, contents := range files {
		if err := writer.AddFile(strings.NewReader(contents), name); err != nil {
			return "", fmt.Errorf("add %s to seed image: %w", name, err)
		}
	}

	seedPath := filepath.Join(dir, "seed.iso")
	out, err := os.OpenFile(seedPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create seed image: %w", err)
	}
	if err := writer.WriteTo(out, "cidata"); err != nil {
		out.Close()
		return "", fmt.Errorf("write seed image: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return seedPath, nil
}
