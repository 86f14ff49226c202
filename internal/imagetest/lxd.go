package imagetest

import (
	"fmt"

	"github.com/google/uuid"
)

// lxdScripts imports a container image into lxd, launches it, runs the smoke
// command and removes every trace again.
func lxdScripts(imagePath string) []script {
	name := "cloud-build-test-" + uuid.NewString()[:8]
	return []script{
		{command: fmt.Sprintf("lxc image import %s --alias %s", imagePath, name)},
		{command: fmt.Sprintf("lxc launch %s %s", name, name)},
		{command: fmt.Sprintf("lxc exec %s -- /bin/sh -c '%s'", name, smokeCommand)},
		{command: fmt.Sprintf("lxc delete --force %s", name)},
		{command: fmt.Sprintf("lxc image delete %s", name)},
	}
}
