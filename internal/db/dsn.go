package db

import (
	"net/url"
	"strings"
)

// Redact returns dsn with any password replaced, for logging. Inputs that are
// not URLs are returned as "<dsn>".
func Redact(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return "<dsn>"
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "<dsn>"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
