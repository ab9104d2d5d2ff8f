package ingest

import (
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Content kinds recognised by Extract.
const (
	KindText = "text"
	KindHTML = "html"
	KindPDF  = "pdf"
)

// DetectKind decides how raw content should be read, preferring the declared
// content type, then the file extension, then sniffing the bytes.
func DetectKind(contentType, fileName string, raw []byte) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case mt == "application/pdf":
			return KindPDF
		case mt == "text/html" || mt == "application/xhtml+xml":
			return KindHTML
		case strings.HasPrefix(mt, "text/"):
			return KindText
		}
	}
	switch strings.ToLower(path.Ext(fileName)) {
	case ".pdf":
		return KindPDF
	case ".html", ".htm":
		return KindHTML
	}
	if bytes.HasPrefix(raw, []byte("%PDF-")) {
		return KindPDF
	}
	if strings.HasPrefix(http.DetectContentType(raw), "text/html") {
		return KindHTML
	}
	return KindText
}

// Extract returns the plain text of raw according to its kind. Line endings
// are normalised to '\n'.
func Extract(kind string, raw []byte) (string, error) {
	var text string
	var err error
	switch kind {
	case KindPDF:
		text, err = extractPDF(raw)
	case KindHTML:
		text, err = extractHTML(raw)
	default:
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("content is not valid UTF-8 text")
		}
		text = string(raw)
	}
	if err != nil {
		return "", err
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(text), nil
}

func extractPDF(raw []byte) (text string, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reading pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.ToValidUTF8(buf.String(), ""), nil
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v\r]+`)
	blankLines      = regexp.MustCompile(`\n[ \n]*\n`)
)

var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "svg": true, "iframe": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "header": true, "footer": true,
	"li": true, "ul": true, "ol": true, "table": true, "tr": true, "blockquote": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "title": true, "main": true,
}

// extractHTML returns the visible text of an HTML document with block
// elements separated by blank lines.
func extractHTML(raw []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(horizontalSpace.ReplaceAllString(strings.ReplaceAll(n.Data, "\n", " "), " "))
			return
		case html.ElementNode:
			if skippedElements[n.Data] {
				return
			}
			if n.Data == "br" {
				b.WriteString("\n")
				return
			}
		}
		block := n.Type == html.ElementNode && blockElements[n.Data]
		if block {
			b.WriteString("\n\n")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			b.WriteString("\n\n")
		}
	}
	walk(doc)

	lines := strings.Split(b.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text), nil
}
