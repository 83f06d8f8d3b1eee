// Package browse answers directory listing requests below a fixed root.
package browse

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Events exchanged on the browse topic.
const (
	EventRequest  = "file_system"
	EventResponse = "response"
)

// ErrOutsideRoot means a request tried to leave the browse root.
var ErrOutsideRoot = errors.New("path escapes browse root")

// Entry is one directory entry.
type Entry struct {
	Filename string `json:"filename"`
	IsDir    bool   `json:"is_dir"`
	IsFile   bool   `json:"is_file"`
}

// Response is the payload of EventResponse. Entries is never null.
type Response struct {
	Entries []Entry `json:"entries"`
}

type request struct {
	Body *struct {
		Path *string `json:"path"`
	} `json:"body"`
}

// DecodeRequest extracts the requested path from a file_system payload.
func DecodeRequest(raw json.RawMessage) (string, error) {
	var r request
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", fmt.Errorf("decode browse request: %w", err)
	}
	if r.Body == nil || r.Body.Path == nil {
		return "", errors.New("decode browse request: missing body.path")
	}
	return *r.Body.Path, nil
}

// Lister lists directories below Root.
type Lister struct {
	Root string
}

// List returns the entries of the directory p, relative to the root. An
// unreadable directory or a path outside the root yields an empty listing
// together with the error.
func (l Lister) List(p string) (Response, error) {
	resp := Response{Entries: []Entry{}}
	root := filepath.Clean(l.Root)
	full := filepath.Join(root, filepath.FromSlash(p))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return resp, fmt.Errorf("%w: %q", ErrOutsideRoot, p)
	}

	dirents, err := os.ReadDir(full)
	if err != nil {
		return resp, fmt.Errorf("list %s: %w", full, err)
	}
	for _, d := range dirents {
		info, err := os.Stat(filepath.Join(full, d.Name()))
		if err != nil {
			// Dangling links and entries removed since ReadDir.
			continue
		}
		resp.Entries = append(resp.Entries, Entry{
			Filename: d.Name(),
			IsDir:    info.IsDir(),
			IsFile:   info.Mode().IsRegular(),
		})
	}
	return resp, nil
}
