//go:build !windows

package procsup

// allowedEnvVars is the POSIX allow-list from §4.5: only these variables
// are inherited by the spawned application process.
var allowedEnvVars = []string{"USER", "HOME"}
