package caldav

import (
	"context"
	"io"
	"strings"

	"github.com/emersion/go-webdav"
)

// collection is the part of the WebDAV client the source needs.
// *webdav.Client implements it.
type collection interface {
	Stat(ctx context.Context, name string) (*webdav.FileInfo, error)
	ReadDir(ctx context.Context, name string, recursive bool) ([]webdav.FileInfo, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// isCalendarResource reports whether a listed member should be fetched.
// Only members whose content type mentions "calendar" qualify.
func isCalendarResource(fi webdav.FileInfo, parent string) bool {
	if fi.IsDir {
		return false
	}
	if strings.TrimSuffix(fi.Path, "/") == strings.TrimSuffix(parent, "/") {
		return false
	}
	return strings.Contains(strings.ToLower(fi.MIMEType), "calendar")
}
