// Package pathconv implements the pure mapping between physical paths
// (after a server's root prefix) and logical paths, per spec §4.7.
package pathconv

import "strings"

// Canonicalize collapses repeated "/" and drops a trailing "/" unless
// the path is exactly "/".
func Canonicalize(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if path != "/" && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// Converter maps physical paths to logical paths:
//
//	logical(path) = canon(addPrefix + stripPrefix(canon(path), removePrefix))
type Converter struct {
	ServerRoot   string
	RemovePrefix string
	AddPrefix    string
	Root         string
}

// New constructs a Converter.
func New(serverRoot, removePrefix, addPrefix, root string) *Converter {
	return &Converter{ServerRoot: serverRoot, RemovePrefix: removePrefix, AddPrefix: addPrefix, Root: root}
}

// ToLogical converts a physical path (already relative to the server
// root, starting with "/") into its logical path.
func (c *Converter) ToLogical(path string) string {
	path = Canonicalize(path)
	if path == "" || path[0] != '/' {
		panic("pathconv: input path must start with /: " + path)
	}
	if c.RemovePrefix != "" && strings.HasPrefix(path, c.RemovePrefix) {
		path = path[len(c.RemovePrefix):]
	}
	if c.AddPrefix != "" {
		path = c.AddPrefix + path
	}
	return Canonicalize(path)
}

// RelativeDepth returns the number of non-empty path components of
// logpath below root (root itself is depth 0).
func RelativeDepth(root, logpath string) int {
	rel := strings.TrimPrefix(logpath, root)
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return 0
	}
	return len(strings.Split(rel, "/"))
}

// Parent returns path's parent directory, following the same rule as
// the original scanner's Scanner.parent: the empty string for a
// relative path, "/" for a top-level entry.
func Parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	if i == 0 {
		return "/"
	}
	return path[:i]
}
