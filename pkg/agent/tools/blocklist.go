package tools

import (
	"regexp"
	"strings"
)

// blockedPattern pairs a compiled pattern with a human-readable reason.
// Matching is performed against a lowercased, whitespace-normalized copy of
// the command. This list is a best-effort deterrent against obviously
// destructive commands, not a security boundary; the approval gate is the
// real protection.
type blockedPattern struct {
	re     *regexp.Regexp
	reason string
}

var blockedPatterns = []blockedPattern{
	{regexp.MustCompile(`(^|[;&|]\s*)rm\s+(-\w+\s+)*-\w*[rf]\w*\s+/(\s|$|\*)`), "recursive deletion at filesystem root"},
	{regexp.MustCompile(`\bdd\s+[^|;]*of=/dev/`), "raw write to a block device"},
	{regexp.MustCompile(`>{1,2}\s*/dev/(sd|hd|nvme|vd|xvd|disk)`), "raw write to a block device"},
	{regexp.MustCompile(`\bmkfs(\.\w+)?\b`), "filesystem formatting"},
	{regexp.MustCompile(`\bfdisk\b`), "disk partitioning"},
	{regexp.MustCompile(`:\(\)\s*\{.*\}\s*;?\s*:`), "fork bomb"},
	{regexp.MustCompile(`\b(shutdown|reboot|poweroff|halt)\b`), "power control"},
	{regexp.MustCompile(`\b(curl|wget)\b[^|;]*\|\s*(sudo\s+)?\w*sh\b`), "remote script piped to a shell"},
	{regexp.MustCompile(`\b(chmod|chown)\s+(-\w+\s+)*-r\w*\s+\S+\s+/(\s|$)`), "recursive permission/ownership change at root"},
}

// BlockedCommand reports whether the command matches a destructive pattern,
// along with the reason. Matching is case-insensitive and whitespace runs
// are collapsed first so spacing tricks do not slip past it.
func BlockedCommand(command string) (string, bool) {
	normalized := strings.ToLower(strings.Join(strings.Fields(command), " "))
	for _, p := range blockedPatterns {
		if p.re.MatchString(normalized) {
			return p.reason, true
		}
	}
	return "", false
}
