// ============================================================================
// scoreload streaming document parser
// ============================================================================
//
// Package: internal/stream
// File: parser.go
// Purpose: push-based incremental recognition of repeating structural units
//          (measures) in a markup document that arrives in arbitrary chunks
//
// State machine:
//
//   accumulating --(FirstExcerptUnits closed)--> emitted-first
//        |                                            |
//        |                                     accumulating-more
//        |                                            |
//        +--------------- Close() --------------------+--> emitted-complete
//
//   Any error moves the parser to failed; every later call returns that error.
//
// Chunk boundaries:
//   Write appends to the reconstruction buffer and scans forward one complete
//   token at a time. A token (tag, comment, CDATA, PI, DOCTYPE) that is not yet
//   closed is left in the unconsumed tail until more input arrives, so a chunk
//   may end anywhere, including inside a multi-byte UTF-8 sequence.
//
// Memory:
//   The unconsumed tail starts at the last recognized unit or token boundary
//   outside a unit. It may not exceed MaxBufferBytes.
//
// ============================================================================

package stream

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ChuLiYu/scoreload/pkg/types"
)

// Defaults
const (
	DefaultUnitElement       = "measure"
	DefaultFirstExcerptUnits = 4
	DefaultMaxBufferBytes    = 10 * 1024 * 1024
)

// ErrClosed is returned by Write and Close after a successful Close.
var ErrClosed = errors.New("stream: parser already closed")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Config tunes a Parser.
type Config struct {
	UnitElement        string   // element name of one structural unit
	FirstExcerptUnits  int      // units needed before the first excerpt event
	MaxBufferBytes     int      // ceiling on unconsumed bytes
	RootElements       []string // allowed root element names, empty allows any
	RequireDeclaration bool     // an <?xml ...?> declaration must precede the root
	SizeHint           int      // expected document size, used to pre-size buffers
}

func (c Config) withDefaults() Config {
	if c.UnitElement == "" {
		c.UnitElement = DefaultUnitElement
	}
	if c.FirstExcerptUnits <= 0 {
		c.FirstExcerptUnits = DefaultFirstExcerptUnits
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = DefaultMaxBufferBytes
	}
	return c
}

// EmitFunc receives parser events in order. A non-nil error aborts parsing.
type EmitFunc func(types.ChunkEvent) error

// Parser is not safe for concurrent use.
type Parser struct {
	cfg  Config
	emit EmitFunc

	content  []byte // every byte written so far
	pos      int    // scan position
	consumed int    // start of the unconsumed tail

	stack     []string
	unitStart int // offset of the open unit's start tag, -1 if none
	unitDepth int // stack depth outside the open unit

	units      int
	firstSent  bool
	pending    bytes.Buffer // markup of units recognized since the last event
	pendingN   int
	sawDecl    bool
	sawRoot    bool
	rootClosed bool

	final  string
	closed bool
	err    error
}

// NewParser creates a parser that reports events to emit.
func NewParser(cfg Config, emit EmitFunc) *Parser {
	cfg = cfg.withDefaults()
	if emit == nil {
		emit = func(types.ChunkEvent) error { return nil }
	}
	p := &Parser{
		cfg:       cfg,
		emit:      emit,
		unitStart: -1,
	}
	if cfg.SizeHint > 0 {
		p.content = make([]byte, 0, cfg.SizeHint)
	}
	return p
}

// Write feeds the next chunk. It implements io.Writer.
func (p *Parser) Write(chunk []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.closed {
		return 0, ErrClosed
	}

	p.content = append(p.content, chunk...)
	if err := p.scan(); err != nil {
		return 0, p.fail(err)
	}
	if err := p.flushProgress(); err != nil {
		return 0, p.fail(err)
	}
	if buffered := len(p.content) - p.consumed; buffered > p.cfg.MaxBufferBytes {
		return 0, p.fail(types.Errorf(types.CodeBufferExceeded, "parse",
			"%d unconsumed bytes exceed limit of %d", buffered, p.cfg.MaxBufferBytes))
	}
	return len(chunk), nil
}

// Close marks the end of input. It fails if the document ends inside a
// token, a unit or an open element; otherwise it emits the complete event.
func (p *Parser) Close() error {
	if p.err != nil {
		return p.err
	}
	if p.closed {
		return ErrClosed
	}

	switch {
	case p.pos < len(p.content) && !isSpace(p.content[p.pos:]):
		return p.fail(types.Errorf(types.CodeUnexpectedEOF, "parse",
			"document ends inside markup at offset %d", p.pos))
	case p.unitStart >= 0:
		return p.fail(types.Errorf(types.CodeUnexpectedEOF, "parse",
			"document ends inside <%s> number %d", p.cfg.UnitElement, p.units+1))
	case len(p.stack) > 0:
		return p.fail(types.Errorf(types.CodeUnexpectedEOF, "parse",
			"document ends with <%s> still open", p.stack[len(p.stack)-1]))
	case !p.sawRoot:
		return p.fail(types.Errorf(types.CodeInvalidDocument, "parse", "document has no root element"))
	}

	p.closed = true
	p.final = string(p.content)

	if !p.firstSent {
		p.firstSent = true
		if err := p.emit(types.ChunkEvent{
			Kind:           types.ChunkFirst,
			Excerpt:        p.final,
			Units:          p.units,
			UnitsProcessed: p.units,
		}); err != nil {
			return p.fail(err)
		}
	}
	if err := p.emit(types.ChunkEvent{
		Kind:           types.ChunkComplete,
		Excerpt:        p.final,
		UnitsProcessed: p.units,
		IsFinal:        true,
	}); err != nil {
		return p.fail(err)
	}
	return nil
}

// Units returns the number of units recognized so far.
func (p *Parser) Units() int { return p.units }

// Buffered returns the size of the unconsumed tail.
func (p *Parser) Buffered() int { return len(p.content) - p.consumed }

// Content returns the reconstructed document after a successful Close.
func (p *Parser) Content() string { return p.final }

// Err returns the terminal error, if any.
func (p *Parser) Err() error { return p.err }

func (p *Parser) fail(err error) error {
	if p.err == nil {
		p.err = err
	}
	p.pending.Reset()
	return p.err
}

func (p *Parser) scan() error {
	if p.pos == 0 && bytes.HasPrefix(p.content, utf8BOM) {
		p.pos = len(utf8BOM)
		p.consumed = p.pos
	} else if p.pos == 0 && isPrefixOf(p.content, utf8BOM) {
		return nil
	}

	for p.pos < len(p.content) {
		rest := p.content[p.pos:]

		if rest[0] != '<' {
			n := bytes.IndexByte(rest, '<')
			if n < 0 {
				n = len(rest)
			}
			if err := p.text(rest[:n]); err != nil {
				return err
			}
			p.advance(n)
			continue
		}

		tok, complete, errMsg := scanToken(rest)
		if errMsg != "" {
			return types.Errorf(types.CodeMalformedMarkup, "parse", "offset %d: %s", p.pos, errMsg)
		}
		if !complete {
			return nil
		}
		if err := p.handle(tok); err != nil {
			return err
		}
		p.advance(tok.end)
	}
	return nil
}

func (p *Parser) advance(n int) {
	p.pos += n
	if p.unitStart < 0 {
		p.consumed = p.pos
	}
}

func (p *Parser) text(b []byte) error {
	if len(p.stack) == 0 && !isSpace(b) {
		return types.Errorf(types.CodeMalformedMarkup, "parse",
			"offset %d: text outside the root element", p.pos)
	}
	return nil
}

func (p *Parser) handle(tok token) error {
	switch tok.kind {
	case tokenPI:
		if tok.name == "xml" {
			if p.pos != p.bomLen() {
				return types.Errorf(types.CodeMalformedMarkup, "parse",
					"offset %d: XML declaration must start the document", p.pos)
			}
			p.sawDecl = true
		}
		return nil

	case tokenComment, tokenDecl:
		return nil

	case tokenCDATA:
		if len(p.stack) == 0 {
			return types.Errorf(types.CodeMalformedMarkup, "parse", "offset %d: CDATA outside the root element", p.pos)
		}
		return nil

	case tokenStart:
		return p.startElement(tok)

	case tokenEnd:
		return p.endElement(tok)
	}
	return nil
}

func (p *Parser) startElement(tok token) error {
	if len(p.stack) == 0 {
		if p.rootClosed {
			return types.Errorf(types.CodeMalformedMarkup, "parse",
				"offset %d: second root element <%s>", p.pos, tok.name)
		}
		if err := p.checkRoot(tok.name); err != nil {
			return err
		}
		p.sawRoot = true
	}

	if tok.name == p.cfg.UnitElement && p.unitStart < 0 {
		p.unitStart = p.pos
		if tok.selfClosing {
			return p.unitClosed(p.pos + tok.end)
		}
		p.unitDepth = len(p.stack)
	}

	if tok.selfClosing {
		if len(p.stack) == 0 {
			p.rootClosed = true
		}
		return nil
	}
	p.stack = append(p.stack, tok.name)
	return nil
}

func (p *Parser) endElement(tok token) error {
	if len(p.stack) == 0 {
		return types.Errorf(types.CodeMalformedMarkup, "parse",
			"offset %d: unexpected </%s> with no open element", p.pos, tok.name)
	}
	top := p.stack[len(p.stack)-1]
	if top != tok.name {
		return types.Errorf(types.CodeMalformedMarkup, "parse",
			"offset %d: expected </%s>, found </%s>", p.pos, top, tok.name)
	}
	p.stack = p.stack[:len(p.stack)-1]
	if len(p.stack) == 0 {
		p.rootClosed = true
	}

	if p.unitStart >= 0 && len(p.stack) == p.unitDepth {
		return p.unitClosed(p.pos + tok.end)
	}
	return nil
}

func (p *Parser) checkRoot(name string) error {
	if p.cfg.RequireDeclaration && !p.sawDecl {
		return types.Errorf(types.CodeInvalidDocument, "parse", "missing XML declaration before <%s>", name)
	}
	if len(p.cfg.RootElements) == 0 {
		return nil
	}
	for _, allowed := range p.cfg.RootElements {
		if name == allowed {
			return nil
		}
	}
	return types.Errorf(types.CodeInvalidDocument, "parse",
		"root element <%s> is not one of %v", name, p.cfg.RootElements)
}

// unitClosed records the unit spanning [unitStart, end).
func (p *Parser) unitClosed(end int) error {
	start := p.unitStart
	p.unitStart = -1
	p.units++

	if !p.firstSent {
		if p.units < p.cfg.FirstExcerptUnits {
			return nil
		}
		p.firstSent = true
		return p.emitEvent(types.ChunkEvent{
			Kind:           types.ChunkFirst,
			Excerpt:        string(p.content[:end]),
			Units:          p.units,
			UnitsProcessed: p.units,
		})
	}

	p.pending.Write(p.content[start:end])
	p.pendingN++
	return nil
}

func (p *Parser) flushProgress() error {
	if p.pendingN == 0 {
		return nil
	}
	ev := types.ChunkEvent{
		Kind:           types.ChunkProgress,
		Excerpt:        p.pending.String(),
		Units:          p.pendingN,
		UnitsProcessed: p.units,
	}
	p.pending.Reset()
	p.pendingN = 0
	return p.emitEvent(ev)
}

func (p *Parser) emitEvent(ev types.ChunkEvent) error {
	if err := p.emit(ev); err != nil {
		return fmt.Errorf("emit %s event: %w", ev.Kind, err)
	}
	return nil
}

func (p *Parser) bomLen() int {
	if bytes.HasPrefix(p.content, utf8BOM) {
		return len(utf8BOM)
	}
	return 0
}
