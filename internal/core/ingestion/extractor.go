package ingestion

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
)

// ErrUnsupportedKind は対応していないファイル種別を示すエラー
var ErrUnsupportedKind = errors.New("未対応のファイル種別です")

// 抽出対象のファイル種別
const (
	kindPlainText = "text"
	kindPDF       = "pdf"
	kindDOCX      = "docx"
)

// extractText はファイルから本文テキストを抽出する。
// 拡張子で種別を判定し、拡張子が無い場合は内容の MIME 判定にフォールバックする。
func extractText(path string) (string, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		return extractPlainText(path)
	case ".pdf":
		text, err := extractPDF(path)
		return text, kindPDF, err
	case ".docx":
		text, err := extractDOCX(path)
		return text, kindDOCX, err
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", "", fmt.Errorf("ファイル種別の判定に失敗: %w", err)
	}
	switch {
	case mtype.Is("text/plain"):
		return extractPlainText(path)
	case mtype.Is("application/pdf"):
		text, err := extractPDF(path)
		return text, kindPDF, err
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedKind, mtype.String())
	}
}

func extractPlainText(path string) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}
	return string(data), kindPlainText, nil
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("PDFのオープンに失敗: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("PDFのテキスト抽出に失敗: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("PDFのテキスト読み取りに失敗: %w", err)
	}
	return buf.String(), nil
}

// docxDocument は word/document.xml の本文部分の最小スキーマ
type docxDocument struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
	} `xml:"body"`
}

type docxParagraph struct {
	Runs []docxRun `xml:"r"`
}

type docxRun struct {
	Texts []string `xml:"t"`
}

// extractDOCX は DOCX（ZIP 内の word/document.xml）から段落テキストを抽出する
func extractDOCX(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("DOCXのオープンに失敗: %w", err)
	}
	defer zr.Close()

	for _, file := range zr.File {
		if file.Name != "word/document.xml" {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("document.xmlのオープンに失敗: %w", err)
		}
		defer rc.Close()

		var doc docxDocument
		if err := xml.NewDecoder(rc).Decode(&doc); err != nil {
			return "", fmt.Errorf("document.xmlの解析に失敗: %w", err)
		}

		var paragraphs []string
		for _, p := range doc.Body.Paragraphs {
			var sb strings.Builder
			for _, r := range p.Runs {
				for _, t := range r.Texts {
					sb.WriteString(t)
				}
			}
			if sb.Len() > 0 {
				paragraphs = append(paragraphs, sb.String())
			}
		}
		return strings.Join(paragraphs, "\n"), nil
	}

	return "", errors.New("document.xmlが見つかりません")
}
