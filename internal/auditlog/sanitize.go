package auditlog

import (
	"net/url"
	"strings"
)

const redacted = "<redacted>"

// secretFlags take a credential as their value.
var secretFlags = map[string]bool{
	"--token": true,
}

// SanitizeArgs prepares CLI arguments for the audit log. Values of
// credential flags are replaced outright. Passwords embedded in URLs, such
// as a NATS URL with user info, are masked so the host stays readable.
func SanitizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		flag, value, hasValue := strings.Cut(arg, "=")
		isFlag := strings.HasPrefix(flag, "--")

		switch {
		case secretFlags[arg]:
			out[i] = arg
			if i+1 < len(args) {
				i++
				out[i] = redacted
			}
		case isFlag && hasValue && secretFlags[flag]:
			out[i] = flag + "=" + redacted
		case isFlag && hasValue:
			out[i] = flag + "=" + maskURL(value)
		default:
			out[i] = maskURL(arg)
		}
	}
	return out
}

// maskURL hides the password of a URL with user info, or the token of a
// NATS URL, and returns any other string unchanged.
func maskURL(s string) string {
	if !strings.Contains(s, "://") {
		return s
	}
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	if _, ok := u.User.Password(); ok {
		return u.Redacted()
	}
	// nats://<token>@host carries the auth token as the user name.
	if u.Scheme == "nats" || u.Scheme == "tls" {
		u.User = url.User("xxxxx")
		return u.String()
	}
	return s
}
