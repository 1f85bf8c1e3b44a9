// Package attribution names the operator behind manual actions such as
// refills and alert acknowledgements.
package attribution

import (
	"os"
	"os/exec"
	"strings"
	"sync"
)

// DefaultOperator is used when nothing better can be found.
const DefaultOperator = "operator"

var (
	cachedName string
	once       sync.Once
)

// DetectOperator returns the best available operator name.
// Checks in order: FEEDERWATCH_OPERATOR env, USER env, git config user.name, "operator".
// The result is cached after the first call.
func DetectOperator() string {
	once.Do(func() {
		cachedName = detectOperatorUncached()
	})
	return cachedName
}

// Resolve returns explicit when set, otherwise the detected operator.
func Resolve(explicit string) string {
	if name := strings.TrimSpace(explicit); name != "" {
		return name
	}
	return DetectOperator()
}

func detectOperatorUncached() string {
	if name := os.Getenv("FEEDERWATCH_OPERATOR"); name != "" {
		return name
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	if name := gitUserName(); name != "" {
		return name
	}
	return DefaultOperator
}

// gitUserName runs `git config --get user.name` and returns the trimmed result.
// Returns empty string on any error.
func gitUserName() string {
	out, err := exec.Command("git", "config", "--get", "user.name").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
