// Package extract turns stored unit content into plain text and picks the
// chunking profile that suits the source format.
package extract

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperjump/tanya/internal/models"
)

// Format is a recognized source format.
type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatXLSX     Format = "xlsx"
	FormatCSV      Format = "csv"
)

// Chunking profile names. Config may override their sizes.
const (
	ProfileText     = "text"
	ProfileMarkdown = "markdown"
	ProfilePDF      = "pdf"
	ProfileHTML     = "html"
	ProfileTable    = "table"
)

// Profile returns the chunking profile for f.
func (f Format) Profile() string {
	switch f {
	case FormatMarkdown:
		return ProfileMarkdown
	case FormatHTML:
		return ProfileHTML
	case FormatPDF:
		return ProfilePDF
	case FormatXLSX, FormatCSV:
		return ProfileTable
	default:
		return ProfileText
	}
}

var contentTypeFormats = map[string]Format{
	"text/plain":               FormatPlain,
	"text/markdown":            FormatMarkdown,
	"text/x-markdown":          FormatMarkdown,
	"text/html":                FormatHTML,
	"application/xhtml+xml":    FormatHTML,
	"application/pdf":          FormatPDF,
	"text/csv":                 FormatCSV,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FormatDOCX,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       FormatXLSX,
}

var extensionFormats = map[string]Format{
	".txt":      FormatPlain,
	".rst":      FormatPlain,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".html":     FormatHTML,
	".htm":      FormatHTML,
	".pdf":      FormatPDF,
	".docx":     FormatDOCX,
	".xlsx":     FormatXLSX,
	".csv":      FormatCSV,
}

// SupportedExtensions returns the file extensions with a dedicated extractor, sorted.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(extensionFormats))
	for ext := range extensionFormats {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// DetectFormat resolves the format from the content type, falling back to the
// extension of name. Unknown inputs are treated as plain text.
func DetectFormat(contentType, name string) Format {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if f, ok := contentTypeFormats[strings.ToLower(mt)]; ok {
			return f
		}
	}
	if f, ok := extensionFormats[strings.ToLower(filepath.Ext(name))]; ok {
		return f
	}
	return FormatPlain
}

// ContentTypeFor returns a canonical content type for name, used when a client
// does not send one.
func ContentTypeFor(name string) string {
	switch DetectFormat("", name) {
	case FormatMarkdown:
		return "text/markdown"
	case FormatHTML:
		return "text/html"
	case FormatPDF:
		return "application/pdf"
	case FormatDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatCSV:
		return "text/csv"
	default:
		return "text/plain"
	}
}

// Document is extracted text plus the chunking profile to use for it.
type Document struct {
	Text    string
	Format  Format
	Profile string
}

// Extractor extracts plain text from unit content.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract reads the file at path and extracts it. The file name is used for
// format detection when contentType is empty or unknown.
func (e *Extractor) Extract(path, contentType string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, contentType, filepath.Base(path))
}

// ExtractBytes extracts text from content. Corrupt content and content with no
// text return a permanent unit error, since retrying cannot succeed.
func (e *Extractor) ExtractBytes(content []byte, contentType, name string) (*Document, error) {
	format := DetectFormat(contentType, name)
	var text string
	var err error
	switch format {
	case FormatPDF:
		text, err = extractPDF(content)
	case FormatDOCX:
		text, err = extractDOCX(content)
	case FormatXLSX:
		text, err = extractExcel(content)
	case FormatCSV:
		text, err = extractCSV(content)
	case FormatHTML:
		text, err = extractHTML(content)
	default:
		text, err = extractPlain(content)
	}
	if err != nil {
		return nil, models.Permanent(err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, models.Permanent(fmt.Errorf("no extractable text in %s content", format))
	}
	return &Document{Text: text, Format: format, Profile: format.Profile()}, nil
}
