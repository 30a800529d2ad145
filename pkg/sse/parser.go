package sse

import (
	"context"
	"errors"
	"io"
	"unicode/utf8"
)

// Parser incrementally turns arbitrary chunks into frames.
type Parser struct {
	rest    string
	pending []byte // incomplete trailing UTF-8 sequence
}

// NewParser creates an empty Parser
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk to the buffer and returns every frame it completed.
func (p *Parser) Feed(chunk []byte) []Frame {
	data := append(p.pending, chunk...)
	p.pending = nil

	// hold back a split multi-byte rune until the next chunk
	if cut := incompleteTail(data); cut > 0 {
		p.pending = append([]byte(nil), data[len(data)-cut:]...)
		data = data[:len(data)-cut]
	}

	raw, rest := Split(p.rest + string(data))
	p.rest = rest

	frames := make([]Frame, 0, len(raw))
	for _, f := range raw {
		frames = append(frames, ParseFrame(f))
	}
	return frames
}

// Rest returns the unconsumed partial frame.
func (p *Parser) Rest() string {
	return p.rest + string(p.pending)
}

// Reset discards any buffered input.
func (p *Parser) Reset() {
	p.rest = ""
	p.pending = nil
}

func incompleteTail(b []byte) int {
	// a rune is at most 4 bytes, so only the last 3 can start an incomplete one
	for i := 1; i <= 3 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return 0
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

// Read drains r, calling fn for every frame until fn returns false, r hits
// EOF, or ctx is done. A trailing frame with no terminating blank line is
// dropped, matching how browsers treat an unterminated event.
func Read(ctx context.Context, r io.Reader, fn func(Frame) bool) error {
	p := NewParser()
	buf := make([]byte, 4096)

	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		n, err := r.Read(buf)
		if n > 0 {
			for _, f := range p.Feed(buf[:n]) {
				if !fn(f) {
					return nil
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return err
		}
	}
}
