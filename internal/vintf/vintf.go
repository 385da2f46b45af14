// Package vintf edits Android VINTF documents (HAL manifests and
// compatibility matrices) by appending XML fragments to their root element.
package vintf

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/spf13/afero"
)

// ManifestError is returned when a document or fragment is not well-formed
// XML, or the document cannot be read or written.
type ManifestError struct {
	Path string
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("patching %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

var (
	errNoRoot    = errors.New("no root element")
	errManyRoots = errors.New("junk after document element")
)

// Options configures Patch.
type Options struct {
	// SkipIfPresent leaves the document untouched when its root already has
	// a child structurally equal to the fragment.
	SkipIfPresent bool
}

const indent = 4

// ParseFragment parses a single-element XML fragment.
func ParseFragment(fragment string) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(fragment); err != nil {
		return nil, err
	}
	if err := checkSingleRoot(doc); err != nil {
		return nil, err
	}
	return doc.Root(), nil
}

// checkSingleRoot rejects documents that etree reads leniently: anything but
// exactly one top-level element, or non-blank text outside of it.
// Processing instructions, comments and directives may surround the root.
func checkSingleRoot(doc *etree.Document) error {
	roots := 0
	for _, tok := range doc.Child {
		switch tok := tok.(type) {
		case *etree.Element:
			roots++
		case *etree.CharData:
			if strings.TrimSpace(tok.Data) != "" {
				return fmt.Errorf("text %q outside the root element", strings.TrimSpace(tok.Data))
			}
		}
	}
	switch {
	case roots == 0:
		return errNoRoot
	case roots > 1:
		return errManyRoots
	}
	return nil
}

// Patch appends fragment as the last child of the root element of the
// document at path on fs, then rewrites the file pretty-printed with an XML
// declaration. It reports whether the file was changed.
//
// The file is overwritten in place rather than replaced, so it keeps its
// inode and with it the security label of the image it lives on.
func Patch(fs afero.Fs, path, fragment string, opts Options) (bool, error) {
	frag, err := ParseFragment(fragment)
	if err != nil {
		return false, &ManifestError{Path: path, Err: fmt.Errorf("fragment: %w", err)}
	}

	fi, err := fs.Stat(path)
	if err != nil {
		return false, &ManifestError{Path: path, Err: err}
	}
	doc, err := readDocument(fs, path)
	if err != nil {
		return false, &ManifestError{Path: path, Err: err}
	}
	root := doc.Root()

	if opts.SkipIfPresent {
		for _, child := range root.ChildElements() {
			if Equal(child, frag) {
				log.Printf("%s already declares <%s>, skipping", path, frag.Tag)
				return false, nil
			}
		}
	}

	root.AddChild(frag.Copy())
	ensureDeclaration(doc)
	doc.Indent(indent)
	b, err := doc.WriteToBytes()
	if err != nil {
		return false, &ManifestError{Path: path, Err: err}
	}
	if err := afero.WriteFile(fs, path, stripBlankLines(b), fi.Mode().Perm()); err != nil {
		return false, &ManifestError{Path: path, Err: err}
	}
	log.Printf("patched %s", path)
	return true, nil
}

func readDocument(fs afero.Fs, path string) (*etree.Document, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(f); err != nil {
		return nil, err
	}
	if err := checkSingleRoot(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func ensureDeclaration(doc *etree.Document) {
	for _, tok := range doc.Child {
		if pi, ok := tok.(*etree.ProcInst); ok && pi.Target == "xml" {
			return
		}
	}
	doc.InsertChildAt(0, etree.NewProcInst("xml", `version="1.0" encoding="utf-8"`))
}

func stripBlankLines(b []byte) []byte {
	var buf bytes.Buffer
	for _, line := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Equal reports whether two elements have the same name, attributes (in
// any order), trimmed text and, recursively, child elements. Comments and
// whitespace are ignored.
func Equal(a, b *etree.Element) bool {
	if a.Space != b.Space || a.Tag != b.Tag {
		return false
	}
	if strings.TrimSpace(a.Text()) != strings.TrimSpace(b.Text()) {
		return false
	}
	if !equalAttrs(a.Attr, b.Attr) {
		return false
	}
	ac, bc := a.ChildElements(), b.ChildElements()
	if len(ac) != len(bc) {
		return false
	}
	for i := range ac {
		if !Equal(ac[i], bc[i]) {
			return false
		}
	}
	return true
}

func equalAttrs(a, b []etree.Attr) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(attrs []etree.Attr) []string {
		keys := make([]string, len(attrs))
		for i, attr := range attrs {
			keys[i] = attr.Space + ":" + attr.Key + "=" + attr.Value
		}
		sort.Strings(keys)
		return keys
	}
	ak, bk := key(a), key(b)
	for i := range ak {
		if ak[i] != bk[i] {
			return false
		}
	}
	return true
}
