package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/tanya/internal/models"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		contentType string
		name        string
		want        Format
		profile     string
	}{
		{"text/html; charset=utf-8", "", FormatHTML, ProfileHTML},
		{"application/pdf", "x.bin", FormatPDF, ProfilePDF},
		{"", "notes.MD", FormatMarkdown, ProfileMarkdown},
		{"application/octet-stream", "sheet.xlsx", FormatXLSX, ProfileTable},
		{"", "data.csv", FormatCSV, ProfileTable},
		{"", "report.docx", FormatDOCX, ProfileText},
		{"", "unknown.xyz", FormatPlain, ProfileText},
	}
	for _, tt := range tests {
		got := DetectFormat(tt.contentType, tt.name)
		if got != tt.want {
			t.Errorf("DetectFormat(%q, %q) = %s, want %s", tt.contentType, tt.name, got, tt.want)
		}
		if got.Profile() != tt.profile {
			t.Errorf("%s profile = %s, want %s", got, got.Profile(), tt.profile)
		}
	}
	if ContentTypeFor("a.pdf") != "application/pdf" || ContentTypeFor("a.weird") != "text/plain" {
		t.Error("unexpected ContentTypeFor result")
	}
}

func TestExtractBytes_plain(t *testing.T) {
	e := NewExtractor()
	doc, err := e.ExtractBytes([]byte("Hello world\nLine 2"), "text/plain", "")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if doc.Text != "Hello world\nLine 2" || doc.Profile != ProfileText {
		t.Errorf("got %+v", doc)
	}
}

func TestExtractBytes_plainInvalidUTF8(t *testing.T) {
	e := NewExtractor()
	doc, err := e.ExtractBytes([]byte("\xef\xbb\xbfhello\x80world"), "", "a.txt")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if doc.Text != "hello\ufffdworld" {
		t.Errorf("got %q", doc.Text)
	}
}

func TestExtractBytes_markdownKeepsHeadings(t *testing.T) {
	doc, err := NewExtractor().ExtractBytes([]byte("# Title\n\nBody"), "", "readme.md")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Profile != ProfileMarkdown || !strings.HasPrefix(doc.Text, "# Title") {
		t.Errorf("got %+v", doc)
	}
}

func TestExtractBytes_emptyIsPermanent(t *testing.T) {
	_, err := NewExtractor().ExtractBytes([]byte("   \n"), "text/plain", "")
	if !errors.Is(err, models.ErrPermanentUnit) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestExtractBytes_html(t *testing.T) {
	page := `<html><head><title>Leave Policy</title><style>p{color:red}</style></head>
<body><script>var x = 1;</script><h1>Annual leave</h1><p>Staff get <b>twenty</b> days.</p>
<ul><li>Carry over five</li><li>Ask HR</li></ul></body></html>`
	doc, err := NewExtractor().ExtractBytes([]byte(page), "text/html", "")
	if err != nil {
		t.Fatal(err)
	}
	want := "Leave Policy\nAnnual leave\nStaff get twenty days.\nCarry over five\nAsk HR"
	if doc.Text != want {
		t.Errorf("got %q\nwant %q", doc.Text, want)
	}
	if strings.Contains(doc.Text, "var x") || strings.Contains(doc.Text, "color") {
		t.Error("script and style must be skipped")
	}
}

func TestExtractBytes_excel(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	f.SetCellValue("Sheet1", "A1", "Title")
	f.SetCellValue("Sheet1", "A2", "Value 1")
	f.SetCellValue("Sheet1", "B2", "Value 2")
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	doc, err := NewExtractor().ExtractBytes(buf.Bytes(), "", "book.xlsx")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if doc.Text != "# Sheet1\nTitle\nValue 1\tValue 2" {
		t.Errorf("got %q", doc.Text)
	}
	if doc.Profile != ProfileTable {
		t.Errorf("profile = %s", doc.Profile)
	}
}

func TestExtractBytes_csv(t *testing.T) {
	doc, err := NewExtractor().ExtractBytes([]byte("name,days\nalice,20\n\"bob, jr\",15\n"), "text/csv", "")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Text != "name\tdays\nalice\t20\nbob, jr\t15" {
		t.Errorf("got %q", doc.Text)
	}
}

func TestExtractBytes_corruptPDFIsPermanent(t *testing.T) {
	_, err := NewExtractor().ExtractBytes([]byte("not a pdf"), "application/pdf", "")
	if !errors.Is(err, models.ErrPermanentUnit) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

// minimalDocx returns a minimal .docx zip with the given paragraphs.
func minimalDocx(docPath string, withContentTypes bool, paragraphs ...string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	if withContentTypes {
		ct, _ := w.Create("[Content_Types].xml")
		_, _ = ct.Write([]byte(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Override ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml" PartName="/` + docPath + `"/>
</Types>`))
	}
	var body strings.Builder
	for _, p := range paragraphs {
		body.WriteString(`<w:p w:rsidR="00A1"><w:r><w:t xml:space="preserve">` + p + `</w:t></w:r></w:p>`)
	}
	fw, _ := w.Create(docPath)
	_, _ = fw.Write([]byte(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` + body.String() + `</w:body></w:document>`))
	_ = w.Close()
	return buf.Bytes()
}

func TestExtractBytes_docx(t *testing.T) {
	doc, err := NewExtractor().ExtractBytes(minimalDocx("word/document.xml", false, "First para", "Second para"), "", "a.docx")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if doc.Text != "First para\nSecond para" {
		t.Errorf("got %q", doc.Text)
	}
}

func TestExtractBytes_docxContentTypesPath(t *testing.T) {
	doc, err := NewExtractor().ExtractBytes(minimalDocx("word/document2.xml", true, "Content from document2"), "", "a.docx")
	if err != nil {
		t.Fatalf("ExtractBytes: %v", err)
	}
	if doc.Text != "Content from document2" {
		t.Errorf("got %q", doc.Text)
	}
}

func TestExtractBytes_docxNotZip(t *testing.T) {
	_, err := NewExtractor().ExtractBytes([]byte("plain"), "", "a.docx")
	if !errors.Is(err, models.ErrPermanentUnit) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestExtract_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte("## Notes\nremember"), 0644); err != nil {
		t.Fatal(err)
	}
	doc, err := NewExtractor().Extract(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Format != FormatMarkdown {
		t.Errorf("format = %s", doc.Format)
	}
	if _, err := NewExtractor().Extract(filepath.Join(t.TempDir(), "missing.txt"), ""); err == nil {
		t.Error("expected error for missing file")
	}
}
