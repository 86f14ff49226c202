package imagetest

import (
	"fmt"

	"github.com/google/uuid"
)

// dockerScripts boots a rootfs tarball as a scratch container and runs the
// smoke command inside it.
func dockerScripts(imageName string) []script {
	dockerfile := fmt.Sprintf(`FROM scratch
ADD %s /

RUN true > /etc/security/limits.d/50-defaults.conf

CMD ["/bin/bash"]
`, imageName)

	tag := "cloud_build_test_" + uuid.NewString()[:8]
	return []script{
		{file: "Dockerfile", contents: dockerfile},
		{command: fmt.Sprintf("docker build --rm --tag=%s .", tag)},
		{command: fmt.Sprintf("docker run --rm %s /bin/sh -c '%s'", tag, smokeCommand)},
		{command: fmt.Sprintf("docker image rm %s", tag)},
	}
}
