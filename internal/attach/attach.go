// Package attach extracts plain text from message attachments so their
// content can participate in prompts. Supported: PDF, HTML, and plain
// text. Extraction is best-effort and bounded; an attachment can add at
// most maxExtractedChars to a prompt.
package attach

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// maxAttachmentBytes rejects attachments before any parsing happens.
	maxAttachmentBytes = 5 << 20

	// maxExtractedChars truncates extracted text; prompts have a token
	// budget and attachments do not get to blow it.
	maxExtractedChars = 20000
)

// ErrUnsupported is returned for media types extraction cannot handle.
var ErrUnsupported = errors.New("unsupported attachment type")

// ErrTooLarge is returned when an attachment exceeds the byte cap.
var ErrTooLarge = errors.New("attachment too large")

// Attachment is an inbound file riding on a message.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// Extract returns the attachment's text content. The result is trimmed
// and capped at maxExtractedChars.
func Extract(a Attachment) (string, error) {
	if len(a.Data) > maxAttachmentBytes {
		return "", fmt.Errorf("%s: %w (%d bytes)", a.Name, ErrTooLarge, len(a.Data))
	}

	var (
		text string
		err  error
	)
	switch kind(a) {
	case "pdf":
		text, err = extractPDF(a.Data)
	case "html":
		text, err = extractHTML(a.Data)
	case "text":
		text, err = extractPlain(a.Data)
	default:
		return "", fmt.Errorf("%s (%s): %w", a.Name, a.MediaType, ErrUnsupported)
	}
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", a.Name, err)
	}
	return truncate(strings.TrimSpace(text)), nil
}

// kind resolves the extraction route from media type first, filename
// extension second.
func kind(a Attachment) string {
	mt := strings.ToLower(a.MediaType)
	switch {
	case strings.Contains(mt, "pdf"):
		return "pdf"
	case strings.Contains(mt, "html"):
		return "html"
	case strings.HasPrefix(mt, "text/"), mt == "application/json":
		return "text"
	}

	name := strings.ToLower(a.Name)
	switch {
	case strings.HasSuffix(name, ".pdf"):
		return "pdf"
	case strings.HasSuffix(name, ".html"), strings.HasSuffix(name, ".htm"):
		return "html"
	case strings.HasSuffix(name, ".txt"), strings.HasSuffix(name, ".md"),
		strings.HasSuffix(name, ".json"), strings.HasSuffix(name, ".csv"):
		return "text"
	}
	return ""
}

func extractPlain(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("not valid UTF-8 text")
	}
	return string(data), nil
}

func truncate(text string) string {
	if len(text) <= maxExtractedChars {
		return text
	}
	cut := text[:maxExtractedChars]
	// Do not cut a rune in half.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "\n[truncated]"
}
