package store

import "strings"

// slugSeparator replaces path separators in project slugs. The replacement
// is reversible so the original workspace path can be reconstructed from a
// storage directory name.
const slugSeparator = "+"

// PathToSlug encodes an absolute workspace path as a directory-safe slug:
// every path separator becomes slugSeparator. "/home/x/proj" -> "+home+x+proj".
func PathToSlug(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	return strings.ReplaceAll(path, "/", slugSeparator)
}

// SlugToPath reconstructs the workspace path from a slug.
func SlugToPath(slug string) string {
	return strings.ReplaceAll(slug, slugSeparator, "/")
}
