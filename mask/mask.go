// Package mask hides credentials in values that end up in logs and banners.
package mask

import (
	"net/url"
	"sort"
	"strings"
)

// Mask keeps the first half of s and stars out the rest.
func Mask(s string) string {
	switch l := len(s); l {
	case 0:
		return s
	case 1:
		return "*"
	default:
		h := l / 2
		return s[:h] + strings.Repeat("*", l-h)
	}
}

// URL masks the user info, path and query values of u. Anything that does
// not parse as a URL is masked as a whole.
func URL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" {
		return Mask(u)
	}
	var b strings.Builder
	b.WriteString(parsed.Scheme)
	b.WriteString("://")
	if parsed.User != nil {
		b.WriteString(Mask(parsed.User.Username()))
		if pass, ok := parsed.User.Password(); ok {
			b.WriteString(":")
			b.WriteString(Mask(pass))
		}
		b.WriteString("@")
	}
	b.WriteString(parsed.Host)
	if p := strings.TrimPrefix(parsed.Path, "/"); p != "" {
		b.WriteString("/")
		b.WriteString(Mask(p))
	}
	var qs []string
	for k, v := range parsed.Query() {
		qs = append(qs, k+"="+Mask(strings.Join(v, ",")))
	}
	if len(qs) > 0 {
		sort.Strings(qs)
		b.WriteString("?")
		b.WriteString(strings.Join(qs, "&"))
	}
	return b.String()
}

// Secret is a string that prints masked with %s, %v and %#v.
type Secret string

func (s Secret) String() string {
	return Mask(string(s))
}

func (s Secret) GoString() string {
	return s.String()
}

// Reveal returns the unmasked value.
func (s Secret) Reveal() string {
	return string(s)
}
