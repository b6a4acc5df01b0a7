package e2e

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"

	"github.com/xuri/excelize/v2"
)

// FileExtensions are the formats the corpus is written in. PDF extraction is
// covered by the extract package; a minimal PDF with extractable text is not
// generated here.
var FileExtensions = []string{".txt", ".md", ".html", ".csv", ".docx", ".xlsx"}

// EncodeDocument renders title and text as a file of the given extension.
func EncodeDocument(ext, title, text string) ([]byte, error) {
	switch ext {
	case ".txt":
		return []byte(title + "\n\n" + text), nil
	case ".md":
		return []byte("# " + title + "\n\n" + text + "\n"), nil
	case ".html":
		return []byte(fmt.Sprintf("<html><head><title>%s</title><script>var x = 1;</script></head><body><h1>%s</h1><p>%s</p></body></html>",
			html.EscapeString(title), html.EscapeString(title), html.EscapeString(text))), nil
	case ".csv":
		return []byte(fmt.Sprintf("topic,details\n%q,%q\n", title, text)), nil
	case ".docx":
		return minimalDocx(title + ". " + text)
	case ".xlsx":
		return minimalXlsx(title, text)
	default:
		return nil, fmt.Errorf("unsupported extension %q", ext)
	}
}

func minimalDocx(text string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create("word/document.xml")
	if err != nil {
		return nil, err
	}
	_, err = fw.Write([]byte(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>` +
		html.EscapeString(text) + `</w:t></w:r></w:p></w:body></w:document>`))
	if err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func minimalXlsx(title, text string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetCellValue("Sheet1", "A1", "Topic"); err != nil {
		return nil, err
	}
	if err := f.SetCellValue("Sheet1", "B1", "Details"); err != nil {
		return nil, err
	}
	if err := f.SetCellValue("Sheet1", "A2", title); err != nil {
		return nil, err
	}
	if err := f.SetCellValue("Sheet1", "B2", text); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
