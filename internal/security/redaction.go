// Package security masks credentials before text leaves the process: in
// training failure messages persisted to the ledger and served over the
// control API, and in connection strings written to the log.
package security

import (
	"net/url"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|signature|x-amz-[a-z-]+|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)\b(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"'&]+)`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	userinfoPattern      = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^\s/@:]+:[^\s/@]+@`)
	secretQueryKey       = regexp.MustCompile(`(?i)^` + secretKeyExpr + `$`)
)

// RedactMessage masks credentials embedded in free text, such as an error
// chain that quotes a request URL.
func RedactMessage(input string) string {
	if input == "" {
		return ""
	}
	out := userinfoPattern.ReplaceAllString(input, "${1}"+redacted+"@")
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return redacted
		}
		return match[:idx+1] + redacted
	})
	out = authorizationPattern.ReplaceAllString(out, "${1}"+redacted)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer "+redacted)
	return out
}

// RedactURL masks the password and secret-looking query parameters of a
// URL. Text that does not parse as a URL goes through RedactMessage.
func RedactURL(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return RedactMessage(raw)
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for key := range q {
			if secretQueryKey.MatchString(key) {
				q.Set(key, redacted)
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	out, err := url.PathUnescape(u.String())
	if err != nil {
		return u.String()
	}
	return out
}
