package git

import (
	"regexp"
	"strings"

	giturls "github.com/whilp/git-urls"
)

// Mask replaces every credential Sanitize finds.
const Mask = "***"

var (
	urlPattern      = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.\-]*://[^\s'"<>]+`)
	userinfoPattern = regexp.MustCompile(`://[^/@\s]+@`)
	authPattern     = regexp.MustCompile(`(?i)(authorization:\s*)[^\r\n'"]*`)
	tokenPattern    = regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{16,}|github_pat_[A-Za-z0-9_]{16,}|glpat-[A-Za-z0-9_\-]{16,})`)
)

// Sanitize masks credentials in git output before it is shown to a user or
// persisted: userinfo in URLs, Authorization header values, and token-shaped
// strings from GitHub and GitLab.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	s = urlPattern.ReplaceAllStringFunc(s, sanitizeURL)
	s = authPattern.ReplaceAllString(s, "${1}"+Mask)
	s = tokenPattern.ReplaceAllString(s, Mask)
	return s
}

func sanitizeURL(raw string) string {
	u, err := giturls.Parse(raw)
	if err != nil {
		return userinfoPattern.ReplaceAllString(raw, "://"+Mask+"@")
	}
	if u.User == nil {
		return raw
	}
	_, hasPassword := u.User.Password()
	if !hasPassword && u.Scheme != "http" && u.Scheme != "https" {
		// ssh://git@host is a login name, not a secret.
		return raw
	}
	return userinfoPattern.ReplaceAllString(raw, "://"+Mask+"@")
}

// SanitizeArgs masks credentials in a command line for logging.
func SanitizeArgs(args []string) string {
	return Sanitize(strings.Join(args, " "))
}
