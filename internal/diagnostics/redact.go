package diagnostics

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/chromedp/cdproto/network"
)

// Redacted replaces every secret value in persisted diagnostics.
const Redacted = "[REDACTED]"

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
}

// secretKey matches query parameter and storage keys that usually carry credentials.
var secretKey = regexp.MustCompile(`(?i)(token|secret|passw(or)?d|pwd|api[-_]?key|auth|session|sig(nature)?|credential|otp|^code$|^key$)`)

// RedactHeaders returns a copy of h with credential headers masked.
func RedactHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

// redactKeys masks the values of secret-looking keys, used for web storage dumps.
func redactKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if secretKey.MatchString(k) {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

// SanitizeURL masks secret-looking query values and any userinfo password.
// Unparseable input is returned unchanged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "data" {
		return raw
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), Redacted)
		}
	}
	if u.RawQuery == "" {
		return u.String()
	}
	q := u.Query()
	changed := false
	for k, vs := range q {
		if !secretKey.MatchString(k) {
			continue
		}
		for i := range vs {
			vs[i] = Redacted
		}
		changed = true
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// flattenHeaders converts CDP headers into plain strings and redacts them.
func flattenHeaders(h network.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return RedactHeaders(out)
}
