// Package pathmap rewrites paths seen by the encoder host into paths as the
// backend knows them.
package pathmap

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Rewriter replaces every occurrence of a mount prefix with a local root
// prefix. The zero value rewrites nothing.
type Rewriter struct {
	from string
	to   string
}

// New returns a Rewriter mapping mountPrefix to localRoot. The local root
// must not itself contain the mount prefix, otherwise a rewritten path
// would still contain it.
func New(mountPrefix, localRoot string) (Rewriter, error) {
	if mountPrefix != "" && strings.Contains(localRoot, mountPrefix) {
		return Rewriter{}, fmt.Errorf("local root %q contains mount prefix %q", localRoot, mountPrefix)
	}
	return Rewriter{from: mountPrefix, to: localRoot}, nil
}

// Rewrite returns p with the mount prefix replaced. Replacing can join a
// local root with the text after it into a new mount prefix, so it repeats
// until none is left.
func (r Rewriter) Rewrite(p string) string {
	if r.from == "" {
		return p
	}
	for range len(p) + 1 {
		if !strings.Contains(p, r.from) {
			break
		}
		p = strings.ReplaceAll(p, r.from, r.to)
	}
	return p
}

// Confine joins p onto root so that the result never leaves root, however
// many ".." elements p carries.
func Confine(root, p string) string {
	return filepath.Join(root, filepath.FromSlash(path.Clean("/"+filepath.ToSlash(p))))
}
