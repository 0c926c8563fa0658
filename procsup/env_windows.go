//go:build windows

package procsup

// allowedEnvVars is the Windows allow-list from §4.5: only these
// variables are inherited by the spawned application process.
var allowedEnvVars = []string{
	"COMPUTERNAME", "HOMEDRIVE", "HOMEPATH", "USERNAME", "USERPROFILE",
	"SystemRoot", "TMP", "TEMP", "Path",
}
