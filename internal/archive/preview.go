// Package archive reads the file listing of an archive from its HTML preview.
package archive

import (
	"io"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/mdverse/mdverse-harvest/internal/model"
)

// ErrNotPreviewable is returned when the repository declined to render a
// preview for the archive.
var ErrNotPreviewable = eris.New("archive: not previewable")

// ErrNoListing is returned when the page holds no file tree.
var ErrNoListing = eris.New("archive: no file tree in preview")

const notPreviewableMarker = "Zipfile is not previewable"

// Entry is one file inside an archive. Directories are folded into Path.
type Entry struct {
	Path    string
	Size    *int64
	RawSize string
}

// ParsePreview flattens a nested <ul class="tree"> listing into entries in
// document order. Entries without a size column are skipped.
func ParsePreview(r io.Reader) ([]Entry, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, eris.Wrap(err, "archive: parse preview")
	}

	tree := find(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Ul && hasClasses(n, "tree", "list-unstyled")
	})
	if tree == nil {
		if strings.Contains(text(doc), notPreviewableMarker) {
			return nil, ErrNotPreviewable
		}
		return nil, ErrNoListing
	}

	type frame struct {
		next   *html.Node
		prefix string
	}
	var entries []Entry
	stack := []*frame{{next: tree.FirstChild}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		li := top.next
		for li != nil && li.DataAtom != atom.Li {
			li = li.NextSibling
		}
		if li == nil {
			stack = stack[:len(stack)-1]
			continue
		}
		top.next = li.NextSibling

		name := firstString(li)
		if name == "" {
			continue
		}
		if sub := find(li, func(n *html.Node) bool { return n != li && n.DataAtom == atom.Ul }); sub != nil {
			stack = append(stack, &frame{next: sub.FirstChild, prefix: top.prefix + name + "/"})
			continue
		}
		sizeCol := find(li, func(n *html.Node) bool {
			return n.DataAtom == atom.Div && hasClasses(n, "no-padding", "right", "aligned", "column")
		})
		if sizeCol == nil {
			continue
		}
		raw := strings.TrimSpace(text(sizeCol))
		if raw == "" {
			continue
		}
		entries = append(entries, Entry{
			Path:    top.prefix + name,
			Size:    model.ParseSize(raw),
			RawSize: raw,
		})
	}
	return entries, nil
}

// find returns the first node under root, root included, matching pred in
// depth-first order.
func find(root *html.Node, pred func(*html.Node) bool) *html.Node {
	stack := []*html.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Type == html.ElementNode && pred(n) {
			return n
		}
		for c := n.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
	return nil
}

// firstString returns the first non-blank text under n, trimmed.
func firstString(n *html.Node) string {
	stack := []*html.Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.Type == html.TextNode {
			if s := strings.TrimSpace(cur.Data); s != "" {
				return s
			}
		}
		for c := cur.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
	return ""
}

func text(n *html.Node) string {
	var b strings.Builder
	stack := []*html.Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.Type == html.TextNode {
			b.WriteString(cur.Data)
		}
		for c := cur.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
	return b.String()
}

func hasClasses(n *html.Node, want ...string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		have := strings.Fields(a.Val)
		for _, w := range want {
			if !slices.Contains(have, w) {
				return false
			}
		}
		return true
	}
	return false
}
