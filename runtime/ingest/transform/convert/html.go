package convert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// skipTags enclose content that never belongs in the markdown rendering.
var skipTags = map[string]bool{
	"script":   true,
	"style":    true,
	"head":     true,
	"title":    true,
	"noscript": true,
	"iframe":   true,
	"svg":      true,
	"template": true,
}

type listFrame struct {
	ordered bool
	next    int
}

// htmlMarkdown renders HTML as markdown with the streaming tokenizer.
// Headers, emphasis, links, images, lists, code, and blockquotes map to
// their markdown forms; table cells are joined with pipes; script, style,
// and head content is dropped.
func htmlMarkdown(_ context.Context, data []byte) (string, error) {
	z := html.NewTokenizer(bytes.NewReader(data))
	w := &mdWriter{}
	var (
		skip     int
		inPre    bool
		preStart bool
		href     string
		lists    []listFrame
	)
	for {
		switch tt := z.Next(); tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("parse html: %w", err)
			}
			return w.String(), nil

		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := string(z.Text())
			if inPre {
				if preStart {
					text = strings.TrimPrefix(text, "\n")
					preStart = false
				}
				w.rawLines(text)
				continue
			}
			w.text(text)

		case html.StartTagToken, html.SelfClosingTagToken:
			nameB, hasAttr := z.TagName()
			tag := string(nameB)
			var attrs map[string]string
			if hasAttr && (tag == "a" || tag == "img") {
				attrs = make(map[string]string, 4)
				for more := true; more; {
					var k, v []byte
					k, v, more = z.TagAttr()
					attrs[string(k)] = string(v)
				}
			}
			if skipTags[tag] {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if skip > 0 {
				continue
			}
			switch tag {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				w.blankLine()
				w.write(strings.Repeat("#", int(tag[1]-'0')) + " ")
			case "p", "table":
				w.blankLine()
			case "br":
				w.endLine()
			case "hr":
				w.blankLine()
				w.write("---")
				w.blankLine()
			case "strong", "b":
				w.write("**")
			case "em", "i":
				w.write("*")
			case "del", "s", "strike":
				w.write("~~")
			case "code":
				if !inPre {
					w.write("`")
				}
			case "pre":
				w.blankLine()
				w.write("```")
				w.endLine()
				inPre = true
				preStart = true
			case "a":
				href = attrs["href"]
				if href != "" {
					w.write("[")
				}
			case "img":
				if src := attrs["src"]; src != "" {
					w.write("![" + attrs["alt"] + "](" + src + ")")
				}
			case "ul", "ol":
				if len(lists) == 0 {
					w.blankLine()
				} else {
					w.endLineIfAny()
				}
				lists = append(lists, listFrame{ordered: tag == "ol", next: 1})
			case "li":
				w.endLineIfAny()
				depth := len(lists)
				if depth == 0 {
					depth = 1
				}
				w.write(strings.Repeat("  ", depth-1))
				if depth <= len(lists) && lists[depth-1].ordered {
					f := &lists[depth-1]
					w.write(strconv.Itoa(f.next) + ". ")
					f.next++
				} else {
					w.write("- ")
				}
			case "blockquote":
				w.blankLine()
				w.quote++
			case "td", "th":
				if w.lineContent() {
					w.space()
					w.write("| ")
				}
			case "div", "section", "article", "main", "aside", "nav", "header", "footer", "figure":
				w.endLineIfAny()
			}

		case html.EndTagToken:
			nameB, _ := z.TagName()
			tag := string(nameB)
			if skipTags[tag] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if skip > 0 {
				continue
			}
			switch tag {
			case "h1", "h2", "h3", "h4", "h5", "h6", "p", "table":
				w.blankLine()
			case "strong", "b":
				w.write("**")
			case "em", "i":
				w.write("*")
			case "del", "s", "strike":
				w.write("~~")
			case "code":
				if !inPre {
					w.write("`")
				}
			case "pre":
				w.endLineIfAny()
				w.write("```")
				w.endLine()
				w.blankLine()
				inPre = false
			case "a":
				if href != "" {
					w.write("](" + href + ")")
					href = ""
				}
			case "ul", "ol":
				if len(lists) > 0 {
					lists = lists[:len(lists)-1]
				}
				if len(lists) == 0 {
					w.blankLine()
				} else {
					w.endLineIfAny()
				}
			case "blockquote":
				if w.quote > 0 {
					w.quote--
				}
				w.blankLine()
			case "tr", "div", "section", "article", "main", "aside", "nav", "header", "footer", "figure":
				w.endLineIfAny()
			}
		}
	}
}

// mdWriter assembles markdown line by line so trailing spaces can be
// trimmed and blockquote prefixes applied at line starts.
type mdWriter struct {
	lines []string
	cur   strings.Builder
	quote int
}

func (w *mdWriter) lineContent() bool { return w.cur.Len() > 0 }

// write appends literally to the current line, adding the blockquote
// prefix when the line is fresh.
func (w *mdWriter) write(s string) {
	if s == "" {
		return
	}
	if w.cur.Len() == 0 && w.quote > 0 {
		w.cur.WriteString(strings.Repeat("> ", w.quote))
	}
	w.cur.WriteString(s)
}

// space ensures the current line ends with a single space.
func (w *mdWriter) space() {
	if w.cur.Len() > 0 && !strings.HasSuffix(w.cur.String(), " ") {
		w.cur.WriteByte(' ')
	}
}

// text appends prose, collapsing whitespace runs to single spaces while
// preserving word boundaries across adjacent tokens.
func (w *mdWriter) text(s string) {
	if s == "" {
		return
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		w.space()
		return
	}
	if isSpace(s[0]) {
		w.space()
	}
	w.write(strings.Join(fields, " "))
	if isSpace(s[len(s)-1]) {
		w.cur.WriteByte(' ')
	}
}

// rawLines appends preformatted content with its line structure intact.
func (w *mdWriter) rawLines(s string) {
	for i, part := range strings.Split(s, "\n") {
		if i > 0 {
			w.endLine()
		}
		if part != "" {
			w.cur.WriteString(part)
		}
	}
}

func (w *mdWriter) endLine() {
	w.lines = append(w.lines, strings.TrimRight(w.cur.String(), " "))
	w.cur.Reset()
}

func (w *mdWriter) endLineIfAny() {
	if w.cur.Len() > 0 {
		w.endLine()
	}
}

// blankLine ends the current line and guarantees exactly one empty line
// before the next content.
func (w *mdWriter) blankLine() {
	w.endLineIfAny()
	if len(w.lines) > 0 && w.lines[len(w.lines)-1] != "" {
		w.lines = append(w.lines, "")
	}
}

func (w *mdWriter) String() string {
	w.endLineIfAny()
	start, end := 0, len(w.lines)
	for start < end && w.lines[start] == "" {
		start++
	}
	for end > start && w.lines[end-1] == "" {
		end--
	}
	return strings.Join(w.lines[start:end], "\n")
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r' || b == '\f'
}
