package idemkey

import (
	"regexp"
	"strings"
)

var (
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexSegment     = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
)

// RoutePattern combines a method and a path template into the string used for
// TTL lookup and key derivation, e.g. "POST /customers/{id}".
//
// Router-style parameters (":id", "*rest") are rewritten to "{id}" and "{rest}".
// Paths without router parameters are passed through SimplifyPath.
func RoutePattern(method, path string) string {
	return strings.ToUpper(method) + " " + PathTemplate(path)
}

// PathTemplate is the path half of RoutePattern.
func PathTemplate(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.ContainsAny(path, ":*{") {
		return SimplifyPath(path)
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		switch {
		case strings.HasPrefix(seg, ":") && len(seg) > 1:
			segs[i] = "{" + seg[1:] + "}"
		case strings.HasPrefix(seg, "*") && len(seg) > 1:
			segs[i] = "{" + seg[1:] + "}"
		}
	}
	return strings.Join(segs, "/")
}

// SimplifyPath replaces identifier-looking segments of a concrete request path
// with "{id}": all-digit segments, UUIDs and hex strings of 16 or more characters.
// Query strings are dropped and a trailing slash is removed.
func SimplifyPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if isIdentifier(seg) {
			segs[i] = "{id}"
		}
	}
	return strings.Join(segs, "/")
}

func isIdentifier(seg string) bool {
	if seg == "" {
		return false
	}
	return numericSegment.MatchString(seg) || uuidSegment.MatchString(seg) || hexSegment.MatchString(seg)
}
