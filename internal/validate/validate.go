// Package validate holds the path and document checks that run before any
// file is read or parsed.
package validate

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/scoreload/pkg/types"
)

// Supported extensions
const (
	ExtMusicXML = ".musicxml"
	ExtXML      = ".xml"
	ExtMXL      = ".mxl"
)

// DefaultRootElements are the accepted score document roots.
var DefaultRootElements = []string{"score-partwise", "score-timewise"}

// sniffLimit bounds how far Document looks for the root element.
const sniffLimit = 64 * 1024

// Path checks that p is absolute and has no ".." segment, and returns its
// cleaned form. It never touches the filesystem.
func Path(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", types.Errorf(types.CodeInvalidPath, "validate", "empty path")
	}
	if strings.ContainsRune(p, 0) {
		return "", types.Errorf(types.CodeInvalidPath, "validate", "path contains NUL byte")
	}
	if HasTraversal(p) {
		return "", types.Errorf(types.CodeInvalidPath, "validate", "path %q contains a parent directory reference", p)
	}
	if !filepath.IsAbs(p) {
		return "", types.Errorf(types.CodeInvalidPath, "validate", "path %q is not absolute", p)
	}
	return filepath.Clean(p), nil
}

// HasTraversal reports whether any segment of p, split on either slash, is "..".
func HasTraversal(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// Extension returns the lower-cased extension of p if it is supported.
func Extension(p string) (string, error) {
	ext := strings.ToLower(filepath.Ext(p))
	switch ext {
	case ExtMusicXML, ExtXML, ExtMXL:
		return ext, nil
	}
	return "", types.Errorf(types.CodeUnsupportedExtension, "validate",
		"extension %q not in [%s %s %s]", ext, ExtMusicXML, ExtXML, ExtMXL)
}

// IsArchive reports whether ext names a compressed score archive.
func IsArchive(ext string) bool { return ext == ExtMXL }

// ArchiveMember checks a path found inside an archive manifest: it must be
// relative, non-empty and free of ".." segments.
func ArchiveMember(p string) error {
	switch {
	case p == "":
		return types.Errorf(types.CodeUnsafeArchivePath, "validate", "empty rootfile path")
	case strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) || filepath.IsAbs(p) || hasDriveLetter(p):
		return types.Errorf(types.CodeUnsafeArchivePath, "validate", "rootfile path %q is absolute", p)
	case HasTraversal(p):
		return types.Errorf(types.CodeUnsafeArchivePath, "validate", "rootfile path %q escapes the archive", p)
	}
	return nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0] | 0x20
	return c >= 'a' && c <= 'z'
}

// Document checks that content starts with an XML declaration (after an
// optional byte order mark) and that its root element is one of roots. An
// empty roots uses DefaultRootElements.
func Document(content []byte, roots []string) error {
	if len(roots) == 0 {
		roots = DefaultRootElements
	}
	b := bytes.TrimPrefix(content, []byte{0xEF, 0xBB, 0xBF})
	if !HasDeclaration(b) {
		if t := bytes.TrimLeft(b, " \t\r\n"); len(t) < len(b) && HasDeclaration(t) {
			return types.Errorf(types.CodeInvalidDocument, "validate", "XML declaration must start the document")
		}
		return types.Errorf(types.CodeInvalidDocument, "validate", "missing XML declaration")
	}

	root, ok := rootElement(b, sniffLimit)
	if !ok {
		return types.Errorf(types.CodeInvalidDocument, "validate", "no root element found")
	}
	for _, r := range roots {
		if root == r {
			return nil
		}
	}
	return types.Errorf(types.CodeInvalidDocument, "validate", "root element <%s> is not one of %v", root, roots)
}

// HasDeclaration reports whether b opens with an <?xml ...?> declaration.
// Other processing instructions such as <?xml-stylesheet?> do not count.
func HasDeclaration(b []byte) bool {
	rest, ok := bytes.CutPrefix(b, []byte("<?xml"))
	if !ok || len(rest) == 0 {
		return false
	}
	switch rest[0] {
	case ' ', '\t', '\r', '\n':
		return true
	}
	return bytes.HasPrefix(rest, []byte("?>"))
}

// rootElement returns the name of the first element start tag within the
// first limit bytes, skipping the prolog.
func rootElement(b []byte, limit int) (string, bool) {
	if len(b) > limit {
		b = b[:limit]
	}
	for {
		i := bytes.IndexByte(b, '<')
		if i < 0 || i+1 >= len(b) {
			return "", false
		}
		b = b[i:]
		switch {
		case bytes.HasPrefix(b, []byte("<?")):
			j := bytes.Index(b, []byte("?>"))
			if j < 0 {
				return "", false
			}
			b = b[j+2:]
		case bytes.HasPrefix(b, []byte("<!--")):
			j := bytes.Index(b, []byte("-->"))
			if j < 0 {
				return "", false
			}
			b = b[j+3:]
		case bytes.HasPrefix(b, []byte("<!")):
			j := declEnd(b)
			if j < 0 {
				return "", false
			}
			b = b[j:]
		default:
			end := bytes.IndexAny(b[1:], " \t\r\n/>")
			if end <= 0 {
				return "", false
			}
			return string(b[1 : 1+end]), true
		}
	}
}

func declEnd(b []byte) int {
	var quote byte
	depth := 0
	for i := 2; i < len(b); i++ {
		c := b[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[':
			depth++
		case c == ']':
			if depth > 0 {
				depth--
			}
		case c == '>' && depth == 0:
			return i + 1
		}
	}
	return -1
}
