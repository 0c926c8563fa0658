package procsup

import (
	"fmt"
	"os"
)

// filteredEnv builds the child process's environment from the
// platform-specific allow-list (§4.5): only variables present in the
// allow-list and set in this process's own environment are passed
// through.
func filteredEnv() []string {
	env := make([]string, 0, len(allowedEnvVars))
	for _, name := range allowedEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, fmt.Sprintf("%s=%s", name, v))
		}
	}
	return env
}
