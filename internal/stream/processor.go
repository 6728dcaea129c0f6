// Package stream transforms raw sandbox output into well-formed outbound
// chunks: line-ending normalization, optional control/ANSI stripping,
// UTF-8-safe chunking, and byte accounting.
package stream

import (
	"sync/atomic"
	"unicode/utf8"
)

// Config controls processing behavior.
type Config struct {
	// MaxChunkBytes caps each emitted chunk. A partial UTF-8 codepoint is
	// never emitted.
	MaxChunkBytes int

	// NormalizeNewlines rewrites \r\n and lone \r to \n. A \r inside an
	// escape sequence passes through untouched.
	NormalizeNewlines bool

	// PreserveANSI keeps escape sequences. When false, CSI and other ESC
	// sequences are stripped.
	PreserveANSI bool

	// PreserveControlChars keeps C0 bytes. When false, C0 bytes outside
	// {TAB, LF, BS, CR} are stripped.
	PreserveControlChars bool
}

// DefaultConfig returns the default processing configuration: preserve
// everything, normalize line endings, 4 KiB chunks.
func DefaultConfig() Config {
	return Config{
		MaxChunkBytes:        4096,
		NormalizeNewlines:    true,
		PreserveANSI:         true,
		PreserveControlChars: true,
	}
}

// Stats tracks processor counters. All fields are safe for concurrent reads.
type Stats struct {
	BytesIn  atomic.Uint64
	BytesOut atomic.Uint64
	Chunks   atomic.Uint64
	Errors   atomic.Uint64
}

type escState int

const (
	escNone escState = iota
	escIntro          // ESC seen, next byte decides
	escCSI            // inside ESC [ ... sequence
)

// Processor is a push-based byte pipeline. Not safe for concurrent use; the
// session's reader goroutine is the only caller.
type Processor struct {
	cfg   Config
	emit  func([]byte) error
	stats *Stats

	out   []byte // processed bytes awaiting emission
	sawCR bool   // pending \r, resolved by the next byte or End
	esc   escState
	ended bool
}

// New creates a Processor that delivers chunks through emit. emit may block
// (cooperative backpressure); an emit error aborts the current operation and
// is returned to the caller.
func New(cfg Config, stats *Stats, emit func([]byte) error) *Processor {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultConfig().MaxChunkBytes
	}
	return &Processor{cfg: cfg, emit: emit, stats: stats}
}

// Push buffers input and emits zero or more processed chunks.
func (p *Processor) Push(b []byte) error {
	if p.ended {
		return nil
	}
	p.stats.BytesIn.Add(uint64(len(b)))
	for _, c := range b {
		p.process(c)
	}
	return p.drain(false)
}

// Flush forces emission of pending complete bytes. A pending \r or a partial
// UTF-8 codepoint stays buffered; only End resolves those.
func (p *Processor) Flush() error {
	if p.ended {
		return nil
	}
	return p.drain(true)
}

// End resolves any held state and emits the final chunk. A pending \r becomes
// \n; an unresolved partial codepoint is emitted as a replacement character
// and counted as an error.
func (p *Processor) End() error {
	if p.ended {
		return nil
	}
	p.ended = true
	if p.sawCR {
		p.out = append(p.out, '\n')
		p.sawCR = false
	}
	if n := incompleteTail(p.out); n > 0 {
		p.out = append(p.out[:len(p.out)-n], []byte(string(utf8.RuneError))...)
		p.stats.Errors.Add(1)
	}
	for len(p.out) > 0 {
		cut := len(p.out)
		if cut > p.cfg.MaxChunkBytes {
			cut = p.chunkCut()
		}
		if err := p.emitChunk(p.out[:cut]); err != nil {
			return err
		}
		p.out = p.out[cut:]
	}
	return nil
}

// process runs one input byte through normalization and sanitization and
// appends the survivors to the output buffer.
func (p *Processor) process(c byte) {
	// Resolve a pending \r: \r\n collapses to \n, a lone \r becomes \n.
	if p.sawCR {
		p.sawCR = false
		p.append('\n')
		if c == '\n' {
			return
		}
	}

	switch p.esc {
	case escIntro:
		if c == '[' {
			p.esc = escCSI
		} else {
			p.esc = escNone
		}
		p.appendEscByte(c)
		return
	case escCSI:
		// 0x40-0x7E terminates a CSI sequence.
		if c >= 0x40 && c <= 0x7E {
			p.esc = escNone
		}
		p.appendEscByte(c)
		return
	}

	if c == 0x1b {
		p.esc = escIntro
		p.appendEscByte(c)
		return
	}
	if c == '\r' && p.cfg.NormalizeNewlines {
		p.sawCR = true
		return
	}
	if !p.cfg.PreserveControlChars && c < 0x20 {
		switch c {
		case '\t', '\n', 0x08, '\r':
		default:
			return
		}
	}
	p.append(c)
}

func (p *Processor) append(c byte) {
	p.out = append(p.out, c)
}

func (p *Processor) appendEscByte(c byte) {
	if p.cfg.PreserveANSI {
		p.out = append(p.out, c)
	}
}

// drain emits full chunks; when flush is set it also emits the remainder,
// minus any trailing partial codepoint.
func (p *Processor) drain(flush bool) error {
	for len(p.out) >= p.cfg.MaxChunkBytes {
		cut := p.chunkCut()
		if cut == 0 {
			break
		}
		if err := p.emitChunk(p.out[:cut]); err != nil {
			return err
		}
		p.out = p.out[cut:]
	}
	if flush {
		complete := len(p.out) - incompleteTail(p.out)
		if complete > 0 {
			if err := p.emitChunk(p.out[:complete]); err != nil {
				return err
			}
			p.out = p.out[complete:]
		}
	}
	return nil
}

// chunkCut returns the largest cut <= MaxChunkBytes that does not split a
// UTF-8 codepoint.
func (p *Processor) chunkCut() int {
	cut := p.cfg.MaxChunkBytes
	if cut > len(p.out) {
		cut = len(p.out)
	}
	for i := 0; i < 3 && cut > 0 && cut < len(p.out) && isContinuation(p.out[cut]); i++ {
		cut--
	}
	return cut
}

func (p *Processor) emitChunk(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	// Copy: the caller may retain the chunk past the next Push.
	c := make([]byte, len(chunk))
	copy(c, chunk)
	if err := p.emit(c); err != nil {
		return err
	}
	p.stats.BytesOut.Add(uint64(len(c)))
	p.stats.Chunks.Add(1)
	return nil
}

func isContinuation(c byte) bool {
	return c&0xC0 == 0x80
}

// incompleteTail returns how many bytes at the end of b form the prefix of an
// unfinished multi-byte UTF-8 sequence (0 when the tail is complete or the
// trailing bytes cannot begin a valid sequence).
func incompleteTail(b []byte) int {
	for back := 1; back <= 3 && back <= len(b); back++ {
		c := b[len(b)-back]
		if isContinuation(c) {
			continue
		}
		need := seqLen(c)
		if need > back {
			return back
		}
		return 0
	}
	return 0
}

// seqLen returns the expected UTF-8 sequence length for a lead byte, or 0
// for ASCII/invalid leads.
func seqLen(c byte) int {
	switch {
	case c&0x80 == 0:
		return 0
	case c&0xE0 == 0xC0:
		return 2
	case c&0xF0 == 0xE0:
		return 3
	case c&0xF8 == 0xF0:
		return 4
	default:
		return 0
	}
}
