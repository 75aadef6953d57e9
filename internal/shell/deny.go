package shell

import (
	"fmt"
	"regexp"
)

// Dangerous command patterns denied under the auto-approve policy. The
// runtime has no human-in-the-loop gate, so destructive and escalation
// primitives are refused outright.
var denyPatterns = []*regexp.Regexp{
	// Destructive file operations.
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b.*\s+/(\s|$)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=.*of=/dev/`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// Privilege escalation.
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(nsenter|unshare)\b`),

	// Remote code piping.
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),

	// Loader injection.
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bDYLD_INSERT_LIBRARIES\s*=`),
}

// checkDenied returns an error when the command matches the deny-list.
func checkDenied(command string) error {
	for _, p := range denyPatterns {
		if p.MatchString(command) {
			return fmt.Errorf("shell: command denied by safety policy (pattern %s)", p.String())
		}
	}
	return nil
}
