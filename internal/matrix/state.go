package matrix

import (
	"regexp"
	"strings"
)

// serviceDefaultState is assumed for service overrides without a state field.
const serviceDefaultState = "enabled"

// stateMatches reports whether an override's state satisfies the requested
// pattern. An empty pattern accepts any state (package selection); service
// selection passes "enabled?" or "disabled?" which accept both the short and
// long spellings.
func stateMatches(pattern, state string) bool {
	if pattern == "" {
		return true
	}
	if state == "" {
		state = serviceDefaultState
	}
	matched, err := regexp.MatchString("^(?:"+pattern+")", state)
	if err != nil {
		return false
	}
	return matched
}

func lower(value string) string {
	return strings.ToLower(value)
}
