package convert

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
)

func init() {
	Register("text/plain", Func(passthrough))
	Register("text/markdown", Func(passthrough))
	Register("text/x-markdown", Func(passthrough))
	Register("text/csv", Func(csvTable))
	Register("application/json", fenced("json"))
	Register("application/xml", fenced("xml"))
	Register("text/xml", fenced("xml"))
	Register("text/html", Func(htmlMarkdown))
	Register("application/xhtml+xml", Func(htmlMarkdown))
}

func passthrough(_ context.Context, data []byte) (string, error) {
	return string(data), nil
}

// fenced wraps the content in a fenced code block so embedding sees it as
// one opaque unit with a language hint.
func fenced(lang string) Func {
	return func(_ context.Context, data []byte) (string, error) {
		body := strings.TrimRight(string(data), "\n")
		return "```" + lang + "\n" + body + "\n```", nil
	}
}

// csvTable renders the file as a markdown table, first row as header.
// Ragged rows are padded or truncated to the header width.
func csvTable(_ context.Context, data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	width := len(rows[0])
	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteByte('|')
		for i := 0; i < width; i++ {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteByte(' ')
			b.WriteString(escapeCell(cell))
			b.WriteString(" |")
		}
		b.WriteByte('\n')
	}
	writeRow(rows[0])
	b.WriteByte('|')
	for i := 0; i < width; i++ {
		b.WriteString(" --- |")
	}
	b.WriteByte('\n')
	for _, row := range rows[1:] {
		writeRow(row)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

var cellEscaper = strings.NewReplacer("|", `\|`, "\n", " ", "\r", "")

func escapeCell(cell string) string {
	return cellEscaper.Replace(cell)
}
