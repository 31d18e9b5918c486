package stream

import (
	"bytes"
)

type tokenKind int

const (
	tokenStart   tokenKind = iota // <name ...> or <name .../>
	tokenEnd                      // </name>
	tokenPI                       // <? ... ?>
	tokenComment                  // <!-- ... -->
	tokenCDATA                    // <![CDATA[ ... ]]>
	tokenDecl                     // <!DOCTYPE ...> and other <! declarations
)

type token struct {
	kind        tokenKind
	name        string
	selfClosing bool
	end         int // length of the token in bytes
}

var (
	commentOpen  = []byte("<!--")
	commentClose = []byte("-->")
	cdataOpen    = []byte("<![CDATA[")
	cdataClose   = []byte("]]>")
	piClose      = []byte("?>")
)

// scanToken reads one markup token from b, which starts with '<'.
// complete is false when b ends before the token does; the caller must retry
// with more input. errMsg is non-empty for markup that can never be valid.
func scanToken(b []byte) (tok token, complete bool, errMsg string) {
	if len(b) < 2 {
		return tok, false, ""
	}

	switch b[1] {
	case '?':
		i := bytes.Index(b[2:], piClose)
		if i < 0 {
			return tok, false, ""
		}
		tok.kind = tokenPI
		tok.name = string(readName(b[2:]))
		tok.end = 2 + i + len(piClose)
		return tok, true, ""

	case '!':
		if isPrefixOf(b, commentOpen) || isPrefixOf(b, cdataOpen) {
			return tok, false, ""
		}
		if bytes.HasPrefix(b, commentOpen) {
			i := bytes.Index(b[len(commentOpen):], commentClose)
			if i < 0 {
				return tok, false, ""
			}
			tok.kind = tokenComment
			tok.end = len(commentOpen) + i + len(commentClose)
			return tok, true, ""
		}
		if bytes.HasPrefix(b, cdataOpen) {
			i := bytes.Index(b[len(cdataOpen):], cdataClose)
			if i < 0 {
				return tok, false, ""
			}
			tok.kind = tokenCDATA
			tok.end = len(cdataOpen) + i + len(cdataClose)
			return tok, true, ""
		}
		end, ok := scanDecl(b)
		if !ok {
			return tok, false, ""
		}
		tok.kind = tokenDecl
		tok.name = string(readName(b[2:]))
		tok.end = end
		return tok, true, ""

	case '/':
		i := bytes.IndexByte(b, '>')
		if i < 0 {
			return tok, false, ""
		}
		name := bytes.TrimSpace(b[2:i])
		if len(name) == 0 || bytes.ContainsAny(name, " \t\r\n") {
			return tok, false, "malformed end tag"
		}
		tok.kind = tokenEnd
		tok.name = string(name)
		tok.end = i + 1
		return tok, true, ""
	}

	name := readName(b[1:])
	if len(name) == 0 {
		return tok, false, "malformed start tag"
	}

	var quote byte
	for i := 1 + len(name); i < len(b); i++ {
		c := b[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '<':
			return tok, false, "unexpected '<' inside tag"
		case c == '>':
			tok.kind = tokenStart
			tok.name = string(name)
			tok.selfClosing = b[i-1] == '/'
			tok.end = i + 1
			return tok, true, ""
		}
	}
	return tok, false, ""
}

// scanDecl finds the end of a <!...> declaration, honoring quoted strings
// and a bracketed internal subset.
func scanDecl(b []byte) (int, bool) {
	var (
		quote byte
		depth int
	)
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
			return i + 1, true
		}
	}
	return 0, false
}

// readName returns the leading element or target name of b.
func readName(b []byte) []byte {
	for i, c := range b {
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '/' || c == '>' || c == '?' {
			return b[:i]
		}
	}
	return b
}

// isPrefixOf reports whether b is a proper prefix of full, i.e. more input
// is needed to tell whether full is present.
func isPrefixOf(b, full []byte) bool {
	return len(b) < len(full) && bytes.HasPrefix(full, b)
}

func isSpace(b []byte) bool {
	for _, c := range b {
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			return false
		}
	}
	return true
}
