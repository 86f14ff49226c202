package matrix

import (
	"fmt"
	"regexp"

	"github.com/altcloud/cloud-build/internal/manifest"
)

var backreferencePattern = regexp.MustCompile(`\\(\d)`)

// ApplyRename applies a regex or literal rename rule to an artifact filename.
// A regex that does not match leaves the name unchanged. Rules with an
// external prog are resolved by the caller at publish time, not here.
func ApplyRename(rule *manifest.Rename, name string) (string, error) {
	if rule == nil {
		return name, nil
	}

	if rule.Regex != "" {
		pattern, err := regexp.Compile(rule.Regex)
		if err != nil {
			return "", &manifest.ConfigError{
				Reason: fmt.Sprintf("invalid rename regex %q: %v", rule.Regex, err),
			}
		}
		// Replacement templates use \1 style backreferences.
		replacement := backreferencePattern.ReplaceAllString(rule.To, "${$1}")
		return pattern.ReplaceAllString(name, replacement), nil
	}

	if rule.Prog != "" {
		return name, nil
	}

	return rule.To, nil
}
