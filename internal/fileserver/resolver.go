package fileserver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ResourceKind discriminates the result of path resolution.
type ResourceKind int

const (
	NotFound ResourceKind = iota
	Forbidden
	Directory
	File
)

func (k ResourceKind) String() string {
	switch k {
	case Forbidden:
		return "forbidden"
	case Directory:
		return "directory"
	case File:
		return "file"
	default:
		return "not-found"
	}
}

// Resource is what a request path resolved to. Path and Size are only
// meaningful for Directory (Path) and File (Path, Size).
type Resource struct {
	Kind ResourceKind
	Path string
	Size int64
}

// PathResolver maps request paths to filesystem locations confined to a root.
type PathResolver struct {
	root string
}

// NewPathResolver canonicalizes root once. The root must exist and be a directory.
func NewPathResolver(root string) (*PathResolver, error) {
	if root == "" {
		return nil, errors.New("document root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving document root %q: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing document root %q: %w", abs, err)
	}
	fi, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("stat document root %q: %w", canonical, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("document root %q is not a directory", canonical)
	}
	return &PathResolver{root: canonical}, nil
}

// Root returns the canonical root directory.
func (r *PathResolver) Root() string { return r.root }

// Resolve maps a URI-decoded request path to a Resource. A non-nil error is
// only returned for unexpected filesystem failures.
func (r *PathResolver) Resolve(uriPath string) (Resource, error) {
	if strings.IndexByte(uriPath, 0) >= 0 {
		return Resource{Kind: NotFound}, nil
	}

	joined := filepath.Join(r.root, filepath.FromSlash(uriPath))
	if !r.Contains(joined) {
		return Resource{Kind: Forbidden}, nil
	}
	if r.hasHiddenComponent(joined) {
		return Resource{Kind: NotFound}, nil
	}

	canonical, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return classifyStatError(err, joined)
	}
	if !r.Contains(canonical) {
		return Resource{Kind: Forbidden}, nil
	}
	if r.hasHiddenComponent(canonical) {
		return Resource{Kind: NotFound}, nil
	}

	fi, err := os.Stat(canonical)
	if err != nil {
		return classifyStatError(err, canonical)
	}
	switch {
	case fi.IsDir():
		return Resource{Kind: Directory, Path: canonical}, nil
	case fi.Mode().IsRegular() && readable(canonical):
		return Resource{Kind: File, Path: canonical, Size: fi.Size()}, nil
	default:
		return Resource{Kind: Forbidden}, nil
	}
}

func classifyStatError(err error, path string) (Resource, error) {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR), errors.Is(err, syscall.ENAMETOOLONG):
		return Resource{Kind: NotFound}, nil
	case errors.Is(err, fs.ErrPermission):
		return Resource{Kind: Forbidden}, nil
	default:
		return Resource{}, fmt.Errorf("resolving %q: %w", path, err)
	}
}

// Contains reports whether p lies at or below the root. p must be absolute and clean.
func (r *PathResolver) Contains(p string) bool {
	rel, err := filepath.Rel(r.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// URLPath returns p as a slash-separated path relative to the root, with a
// leading slash. p must be contained in the root.
func (r *PathResolver) URLPath(p string) string {
	rel, err := filepath.Rel(r.root, p)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

func (r *PathResolver) hasHiddenComponent(p string) bool {
	rel, err := filepath.Rel(r.root, p)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if isHiddenName(part) {
			return true
		}
	}
	return false
}

// isHiddenName uses the Unix convention of a leading dot.
func isHiddenName(name string) bool {
	return strings.HasPrefix(name, ".")
}
