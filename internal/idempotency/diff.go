package idempotency

import (
	"sort"
	"strconv"

	"github.com/roach88/idem/internal/canon"
)

const (
	rootPath = "$"
	absent   = "<absent>"
	arrow    = " → "
)

// Diff lists every differing leaf between two normalised values as
// "path: old → new".
//
// Traversal is depth-first with object keys in byte order, so the output is
// deterministic. Fields join with ".", indices with "[i]", and a difference
// at the root itself is reported at "$". A side missing a field or index
// renders as <absent>; strings render single-quoted.
func Diff(original, current canon.Value) []string {
	var out []string
	diffAt(&out, "", original, current)
	return out
}

func diffAt(out *[]string, path string, a, b canon.Value) {
	switch x := a.(type) {
	case canon.Object:
		if y, ok := b.(canon.Object); ok {
			diffObjects(out, path, x, y)
			return
		}
	case canon.Array:
		if y, ok := b.(canon.Array); ok {
			diffArrays(out, path, x, y)
			return
		}
	}
	if !canon.Equal(a, b) {
		*out = append(*out, line(path, canon.Render(a), canon.Render(b)))
	}
}

func diffObjects(out *[]string, path string, a, b canon.Object) {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		child := fieldPath(path, k)
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case !inA:
			*out = append(*out, line(child, absent, canon.Render(bv)))
		case !inB:
			*out = append(*out, line(child, canon.Render(av), absent))
		default:
			diffAt(out, child, av, bv)
		}
	}
}

func diffArrays(out *[]string, path string, a, b canon.Array) {
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		child := path + "[" + strconv.Itoa(i) + "]"
		switch {
		case i >= len(a):
			*out = append(*out, line(child, absent, canon.Render(b[i])))
		case i >= len(b):
			*out = append(*out, line(child, canon.Render(a[i]), absent))
		default:
			diffAt(out, child, a[i], b[i])
		}
	}
}

func fieldPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func line(path, was, now string) string {
	if path == "" {
		path = rootPath
	}
	return path + ": " + was + arrow + now
}
