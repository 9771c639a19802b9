package static

import (
	"fmt"
	"html"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/valyala/bytebufferpool"
)

// renderListing builds the directory listing page for a resolved directory.
// uriPath is the request target as the client sent it (used for the title
// and to decide whether a parent link is shown; entry links are relative
// names), dirPath the filesystem directory.
func renderListing(uriPath, dirPath string) ([]byte, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	// Directories first, then files, each group alphabetical.
	sort.Slice(entries, func(i, j int) bool {
		di, dj := entries[i].IsDir(), entries[j].IsDir()
		if di != dj {
			return di
		}
		return entries[i].Name() < entries[j].Name()
	})

	if !strings.HasSuffix(uriPath, "/") {
		uriPath += "/"
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	title := html.EscapeString(uriPath)
	fmt.Fprintf(buf, "<!DOCTYPE html>\n<html>\n<head><title>Index of %s</title></head>\n<body>\n", title)
	fmt.Fprintf(buf, "<h1>Index of %s</h1>\n<hr>\n<ul>\n", title)

	if uriPath != "/" {
		buf.WriteString("<li><a href=\"../\">../</a></li>\n")
	}

	for _, e := range entries {
		name := e.Name()
		display := name
		link := url.PathEscape(name)
		if e.IsDir() {
			display += "/"
			link += "/"
		}
		fmt.Fprintf(buf, "<li><a href=\"%s\">%s</a></li>\n", link, html.EscapeString(display))
	}

	buf.WriteString("</ul>\n<hr>\n</body>\n</html>\n")

	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}
