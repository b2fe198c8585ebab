package diagnostics

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const xsiNamespace = "http://www.w3.org/2001/XMLSchema-instance"

// flatten turns an XML document into sorted "path = value" and
// "path[@attr] = value" lines. Whitespace inside values is collapsed and
// namespace declarations are ignored, so two documents that differ only in
// formatting flatten to the same lines.
func flatten(doc string) ([]string, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, nil
	}
	dec := xml.NewDecoder(strings.NewReader(doc))
	var (
		lines []string
		path  []string
		text  []*strings.Builder
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			text = append(text, &strings.Builder{})
			p := strings.Join(path, "/")
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" || a.Name.Space == xsiNamespace {
					continue
				}
				lines = append(lines, fmt.Sprintf("%s[@%s] = %s", p, a.Name.Local, collapse(a.Value)))
			}
		case xml.CharData:
			if len(text) > 0 {
				text[len(text)-1].Write(t)
			}
		case xml.EndElement:
			if len(path) == 0 {
				continue
			}
			if v := collapse(text[len(text)-1].String()); v != "" {
				lines = append(lines, fmt.Sprintf("%s = %s", strings.Join(path, "/"), v))
			}
			path = path[:len(path)-1]
			text = text[:len(text)-1]
		}
	}
	sort.Strings(lines)
	return lines, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// equalLines reports whether two sorted line sets match.
func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// lineDiff renders the lines only in local with "- " and the lines only in
// remote with "+ ".
func lineDiff(local, remote []string) string {
	dmp := diffmatchpatch.New()
	a, b, index := dmp.DiffLinesToChars(joinLines(local), joinLines(remote))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), index)

	var sb strings.Builder
	for _, d := range diffs {
		var mark string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			mark = "- "
		case diffmatchpatch.DiffInsert:
			mark = "+ "
		default:
			continue
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			sb.WriteString(mark)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
