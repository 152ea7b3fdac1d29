package fileserver

import (
	"errors"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
)

// allowedFileName is matched against the whole entry name. Note that " -_" is
// a character range (0x20 through 0x5F), not three literals.
var allowedFileName = regexp.MustCompile(`^[A-Za-z0-9][ -_A-Za-z0-9.]*$`)

// DirectoryEntry is one child of a listed directory.
type DirectoryEntry struct {
	Name     string
	IsDir    bool
	Readable bool
	Hidden   bool
	Link     string // escaped URL path relative to the root
	Size     int64

	allowedName bool
	inRoot      bool
}

// Visible reports whether the entry may appear in a listing.
func (e DirectoryEntry) Visible() bool {
	return !e.Hidden && e.Readable && e.allowedName && e.inRoot
}

// ListingRenderer builds HTML directory listings confined to a root.
type ListingRenderer struct {
	resolver   *PathResolver
	folderIcon string
	fileIcon   string
}

// NewListingRenderer returns a renderer using the given icon URLs.
func NewListingRenderer(resolver *PathResolver, folderIcon, fileIcon string) *ListingRenderer {
	return &ListingRenderer{resolver: resolver, folderIcon: folderIcon, fileIcon: fileIcon}
}

// listingBase returns the URL directory (with a trailing slash) that links in a
// listing of dir hang off. urlDir is the path the client asked for; when empty,
// dir's own location under the root is used.
func (lr *ListingRenderer) listingBase(dir, urlDir string) string {
	if urlDir == "" {
		urlDir = lr.resolver.URLPath(dir)
	}
	base := path.Clean("/" + urlDir)
	if base != "/" {
		base += "/"
	}
	return base
}

// Entries enumerates dir in the filesystem's native order. Every child is
// returned with its flags filled in; callers filter with Visible. Links are
// built under urlDir, the requested directory path, so a directory reached
// through a symlink keeps the client's view of the tree.
func (lr *ListingRenderer) Entries(dir, urlDir string) ([]DirectoryEntry, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, listingError(err)
	}
	defer f.Close()

	dirents, err := f.ReadDir(-1)
	if err != nil {
		return nil, listingError(err)
	}

	base := lr.listingBase(dir, urlDir)
	entries := make([]DirectoryEntry, 0, len(dirents))
	for _, de := range dirents {
		name := de.Name()
		full := filepath.Join(dir, name)
		e := DirectoryEntry{
			Name:        name,
			Hidden:      isHiddenName(name),
			allowedName: allowedFileName.MatchString(name),
		}

		target, err := filepath.EvalSymlinks(full)
		if err == nil {
			e.inRoot = lr.resolver.Contains(target)
			if fi, statErr := os.Stat(target); statErr == nil {
				e.IsDir = fi.IsDir()
				e.Size = fi.Size()
				e.Readable = readable(target)
			}
		}

		link := base + name
		if e.IsDir {
			link += "/"
		}
		e.Link = (&url.URL{Path: link}).EscapedPath()
		entries = append(entries, e)
	}
	return entries, nil
}

func listingError(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return &StatusError{Code: http.StatusForbidden, Err: fmt.Errorf("%w: %v", ErrForbidden, err)}
	case errors.Is(err, fs.ErrNotExist):
		return &StatusError{Code: http.StatusNotFound, Err: fmt.Errorf("%w: %v", ErrNotFound, err)}
	default:
		return fmt.Errorf("reading directory: %w", err)
	}
}

const listItemOpen = `<li style="list-style: none;margin:10px;"><img src="%s" width="20" height="20" />&nbsp;&nbsp;`

// Render produces the UTF-8 HTML listing for dir as seen at urlDir.
func (lr *ListingRenderer) Render(dir, urlDir string) ([]byte, error) {
	entries, err := lr.Entries(dir, urlDir)
	if err != nil {
		return nil, err
	}

	base := lr.listingBase(dir, urlDir)
	title := filepath.Base(dir)
	if base != "/" {
		title = path.Base(base)
	}
	name := html.EscapeString(title)
	folderIcon := html.EscapeString(lr.folderIcon)
	fileIcon := html.EscapeString(lr.fileIcon)

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\r\n")
	fmt.Fprintf(&sb, "<html><head><meta charset=\"UTF-8\"><title>Index of %s</title></head><body>\r\n", name)
	fmt.Fprintf(&sb, "<h3>Index of %s</h3>\r\n<ul>", name)

	if base != "/" {
		fmt.Fprintf(&sb, listItemOpen, folderIcon)
		sb.WriteString(`<a href="../" class="parent" style="text-decoration:none;">..</a></li>` + "\r\n")
	}

	for _, e := range entries {
		if !e.Visible() {
			continue
		}
		if e.IsDir {
			fmt.Fprintf(&sb, listItemOpen, folderIcon)
			fmt.Fprintf(&sb, `<a href="%s" class="dir" style="text-decoration:none;">%s</a></li>`+"\r\n",
				html.EscapeString(e.Link), html.EscapeString(e.Name))
			continue
		}
		fmt.Fprintf(&sb, listItemOpen, fileIcon)
		fmt.Fprintf(&sb, `<a href="%s" class="file" style="text-decoration:none;">%s</a>&nbsp;&nbsp;<span class="size">%s</span></li>`+"\r\n",
			html.EscapeString(e.Link), html.EscapeString(e.Name), humanize.Bytes(uint64(e.Size)))
	}

	sb.WriteString("</ul></body></html>\r\n")
	return []byte(sb.String()), nil
}
