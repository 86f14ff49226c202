package builder

import (
	"fmt"
	"strings"
)

// BuildError reports a single failed build target.
type BuildError struct {
	Target string
	Arch   string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("fail building of %s %s", e.Target, e.Arch)
}

// MultipleBuildErrors aggregates build failures collected while try_build_all
// keeps the run going.
type MultipleBuildErrors struct {
	Errors []*BuildError
}

func (e *MultipleBuildErrors) Error() string {
	var b strings.Builder
	b.WriteString("fail building of the following targets:")
	for _, buildErr := range e.Errors {
		fmt.Fprintf(&b, "\n  %s %s", buildErr.Target, buildErr.Arch)
	}
	return b.String()
}
