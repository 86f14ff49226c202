package matrix

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/altcloud/cloud-build/internal/manifest"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]*)\}`)

// Expand substitutes {branch} and {arch} in a URL template. Any other
// placeholder is a configuration error.
func Expand(template, branch, archName string) (string, error) {
	expanded := strings.ReplaceAll(template, "{branch}", branch)
	expanded = strings.ReplaceAll(expanded, "{arch}", archName)

	if match := placeholderPattern.FindStringSubmatch(expanded); match != nil {
		return "", &manifest.ConfigError{
			Reason: fmt.Sprintf("unresolvable placeholder {%s} in %q", match[1], template),
		}
	}
	return expanded, nil
}

// ContainsBranch reports whether the template expands per branch.
func ContainsBranch(template string) bool {
	return strings.Contains(template, "{branch}")
}

// ContainsArch reports whether the template expands per architecture.
func ContainsArch(template string) bool {
	return strings.Contains(template, "{arch}")
}
