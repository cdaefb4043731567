package grok

import "strings"

// pendingCap bounds how much text the filter will hold back while waiting
// for a marker to finish; past this a candidate is treated as plain text.
const pendingCap = 4096

// tagFilter elides configured structural markers and everything between
// their opening and closing forms, even when a marker or a filtered region
// spans multiple chunks. Text outside filtered regions passes through
// verbatim.
//
// The filter tracks nesting with a depth counter and holds back a trailing
// partial marker ("<xaiartif" at a chunk boundary) until the next chunk
// resolves it.
type tagFilter struct {
	tags    []string
	depth   int
	pending string
}

func newTagFilter(tags []string) *tagFilter {
	return &tagFilter{tags: tags}
}

// Feed filters one chunk and returns the text safe to emit so far.
func (f *tagFilter) Feed(chunk string) string {
	if len(f.tags) == 0 {
		return chunk
	}
	in := f.pending + chunk
	f.pending = ""
	var out strings.Builder
	i := 0
	for i < len(in) {
		if in[i] != '<' {
			j := strings.IndexByte(in[i:], '<')
			if j < 0 {
				j = len(in) - i
			}
			if f.depth == 0 {
				out.WriteString(in[i : i+j])
			}
			i += j
			continue
		}
		end := strings.IndexByte(in[i:], '>')
		if end < 0 {
			rest := in[i:]
			if f.maybeMarker(rest) && len(rest) <= pendingCap {
				f.pending = rest
			} else if f.depth == 0 {
				out.WriteString(rest)
			}
			break
		}
		marker := in[i : i+end+1]
		name, closing, selfClosing := parseMarker(marker)
		switch {
		case f.filtered(name):
			if closing {
				if f.depth > 0 {
					f.depth--
				}
			} else if !selfClosing {
				f.depth++
			}
		case f.depth == 0:
			out.WriteString(marker)
		}
		i += end + 1
	}
	return out.String()
}

// Flush returns any held-back partial marker once the stream ends; a
// partial inside an open filtered region stays elided.
func (f *tagFilter) Flush() string {
	pending := f.pending
	f.pending = ""
	if f.depth > 0 {
		return ""
	}
	return pending
}

func (f *tagFilter) filtered(name string) bool {
	for _, t := range f.tags {
		if name == t {
			return true
		}
	}
	return false
}

// maybeMarker reports whether an unterminated "<..." fragment could still
// turn into a filtered marker, so the filter knows whether to hold it back.
func (f *tagFilter) maybeMarker(fragment string) bool {
	body := strings.TrimPrefix(fragment[1:], "/")
	name := body
	complete := false
	for i := 0; i < len(body); i++ {
		if body[i] == ' ' || body[i] == '\t' || body[i] == '\n' || body[i] == '/' {
			name = body[:i]
			complete = true
			break
		}
	}
	for _, t := range f.tags {
		if complete {
			if name == t {
				return true
			}
			continue
		}
		if strings.HasPrefix(t, name) {
			return true
		}
	}
	return false
}

// parseMarker splits "<name attrs>" into its name and open/close form.
// Names may contain any rune except whitespace, '/' and '>'.
func parseMarker(marker string) (name string, closing, selfClosing bool) {
	inner := marker[1 : len(marker)-1]
	if strings.HasSuffix(inner, "/") {
		selfClosing = true
		inner = strings.TrimSuffix(inner, "/")
	}
	if strings.HasPrefix(inner, "/") {
		closing = true
		inner = strings.TrimPrefix(inner, "/")
	}
	inner = strings.TrimSpace(inner)
	if idx := strings.IndexAny(inner, " \t\n"); idx >= 0 {
		inner = inner[:idx]
	}
	return inner, closing, selfClosing
}
