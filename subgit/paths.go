// Segmented pathname helpers.
//
// Subversion node paths and branch prefixes are slash-separated with no
// leading or trailing separator.  All path reasoning in subgit is
// segment-wise: "branches/feature" is an ancestor of
// "branches/feature/a.c" but not of "branches/featurette".
//
// SPDX-License-Identifier: BSD-2-Clause

package main

import "strings"

const svnSep = "/"

// splitPath breaks a pathname into its segments.  The empty path has no
// segments.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, svnSep)
}

// pathBasename returns the final segment of path, or "" for the empty path.
func pathBasename(path string) string {
	if i := strings.LastIndex(path, svnSep); i >= 0 {
		return path[i+1:]
	}
	return path
}

// pathDirname returns path with its final segment removed, or "" when
// there is only one segment.
func pathDirname(path string) string {
	if i := strings.LastIndex(path, svnSep); i >= 0 {
		return path[:i]
	}
	return ""
}

// pathWithin reports whether prefix is a proper segment-wise ancestor of
// path.  The empty prefix is an ancestor of every nonempty path.
func pathWithin(prefix, path string) bool {
	if path == "" {
		return false
	}
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(path, prefix+svnSep)
}

// pathAncestors returns the proper ancestors of path, deepest first.
// "a/b/c" yields ["a/b", "a"].
func pathAncestors(path string) []string {
	var out []string
	for {
		i := strings.LastIndex(path, svnSep)
		if i < 0 {
			return out
		}
		path = path[:i]
		out = append(out, path)
	}
}

// pathJoin glues two relative paths, tolerating an empty half.
func pathJoin(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + svnSep + b
}
