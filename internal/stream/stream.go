// Package stream implements the newline-delimited, tag-prefixed wire
// format used for chat response bodies.
//
// Each record is one line of the form "<tag>:<payload>". Tag "0"
// carries a text delta with backslash and newline escaped so a delta
// may span lines of text without breaking the framing. Other tags
// carry JSON metadata, and a line starting with ":" is a protocol
// comment and is skipped. Lines with no recognized tag are treated as
// raw text, so plain-text upstream bodies still reassemble.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Record tags.
const (
	TagText     = "0"
	TagMetadata = "8"
)

// doneMarker is the metadata record that closes a well-formed stream.
const doneMarker = `{"done":true}`

// Writer frames text deltas and metadata onto w. If w implements
// http.Flusher-style flushing the caller drives it; Writer only
// writes bytes.
type Writer struct {
	w io.Writer
}

// NewWriter returns a Writer framing onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Delta writes one text delta record.
func (w *Writer) Delta(text string) error {
	if _, err := fmt.Fprintf(w.w, "%s:%s\n", TagText, escape(text)); err != nil {
		return fmt.Errorf("write delta: %w", err)
	}
	return nil
}

// Metadata writes one metadata record with a JSON payload.
func (w *Writer) Metadata(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "%s:%s\n", TagMetadata, b); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// Done writes the completion marker. A stream that ends without it
// was cut short.
func (w *Writer) Done() error {
	if _, err := fmt.Fprintf(w.w, "%s:%s\n", TagMetadata, doneMarker); err != nil {
		return fmt.Errorf("write done marker: %w", err)
	}
	return nil
}

// escape makes a delta safe to carry on a single line.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// unescape reverses escape. Unknown escape sequences pass through
// unchanged.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Reassembler rebuilds the full text from framed bytes arriving in
// arbitrary chunks. A record split across reads is buffered until its
// terminating newline arrives; Flush processes whatever remains when
// the stream ends.
type Reassembler struct {
	pending   strings.Builder
	text      strings.Builder
	completed bool
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed consumes one chunk of the stream and returns the text newly
// assembled from it.
func (r *Reassembler) Feed(p []byte) string {
	var out strings.Builder
	rest := r.pending.String() + string(p)
	r.pending.Reset()

	for {
		line, remainder, found := strings.Cut(rest, "\n")
		if !found {
			r.pending.WriteString(line)
			break
		}
		out.WriteString(r.consume(line))
		rest = remainder
	}

	r.text.WriteString(out.String())
	return out.String()
}

// Flush processes any buffered partial record as a final record and
// returns the text it yields. Call once when the stream ends.
func (r *Reassembler) Flush() string {
	if r.pending.Len() == 0 {
		return ""
	}
	line := r.pending.String()
	r.pending.Reset()

	out := r.consume(line)
	r.text.WriteString(out)
	return out
}

// Text returns everything assembled so far.
func (r *Reassembler) Text() string {
	return r.text.String()
}

// Completed reports whether the completion marker was seen.
func (r *Reassembler) Completed() bool {
	return r.completed
}

// consume interprets a single record and returns its text
// contribution.
func (r *Reassembler) consume(line string) string {
	if line == "" {
		return ""
	}

	tag, payload, found := strings.Cut(line, ":")
	if found && tag == "" {
		// Protocol comment.
		return ""
	}
	if found && tag == TagText {
		return unescape(payload)
	}
	if found && isMetadataTag(tag) {
		if tag == TagMetadata && payload == doneMarker {
			r.completed = true
		}
		return ""
	}

	// No recognized tag: treat the whole line as raw text.
	return line
}

// isMetadataTag reports whether tag names a non-text record. Tags are
// short digit strings; anything else means the colon belonged to the
// content itself.
func isMetadataTag(tag string) bool {
	if tag == "" || len(tag) > 2 {
		return false
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] < '0' || tag[i] > '9' {
			return false
		}
	}
	return tag != TagText
}
