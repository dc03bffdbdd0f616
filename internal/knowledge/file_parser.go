package knowledge

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/unidoc/unioffice/document"
	"github.com/unidoc/unioffice/spreadsheet"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
	"go.uber.org/zap"

	"github.com/aihub/rag-service/internal/logger"
)

// FileParser 把上传文件转换为纯文本
type FileParser interface {
	Parse(reader io.Reader, filename string) (string, error)
	Extensions() []string
}

// TextParser 文本文件解析器
type TextParser struct{}

func (p *TextParser) Extensions() []string {
	return []string{".txt", ".md", ".markdown"}
}

func (p *TextParser) Parse(reader io.Reader, filename string) (string, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filename, err)
	}
	return string(content), nil
}

// PDFParser PDF文件解析器，逐页提取后拼接
type PDFParser struct{}

func (p *PDFParser) Extensions() []string {
	return []string{".pdf"}
}

func (p *PDFParser) Parse(reader io.Reader, filename string) (string, error) {
	pdfBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filename, err)
	}

	pdfReader, err := model.NewPdfReader(bytes.NewReader(pdfBytes))
	if err != nil {
		return "", fmt.Errorf("open pdf %s: %w", filename, err)
	}

	numPages, err := pdfReader.GetNumPages()
	if err != nil {
		return "", fmt.Errorf("count pages of %s: %w", filename, err)
	}

	var textBuilder strings.Builder
	for i := 1; i <= numPages; i++ {
		text, err := extractPage(pdfReader, i)
		if err != nil {
			// 单页失败跳过
			logger.Warn("Failed to extract pdf page", zap.String("file", filename), zap.Int("page", i), zap.Error(err))
			continue
		}
		textBuilder.WriteString(text)
		textBuilder.WriteString("\n")
	}
	return textBuilder.String(), nil
}

func extractPage(pdfReader *model.PdfReader, num int) (string, error) {
	page, err := pdfReader.GetPage(num)
	if err != nil {
		return "", err
	}
	ex, err := extractor.New(page)
	if err != nil {
		return "", err
	}
	return ex.ExtractText()
}

// WordParser Word文档解析器，仅支持 .docx
type WordParser struct{}

func (p *WordParser) Extensions() []string {
	return []string{".docx"}
}

func (p *WordParser) Parse(reader io.Reader, filename string) (string, error) {
	docBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filename, err)
	}

	doc, err := document.Read(bytes.NewReader(docBytes), int64(len(docBytes)))
	if err != nil {
		return "", fmt.Errorf("open docx %s: %w", filename, err)
	}
	defer doc.Close()

	var textBuilder strings.Builder
	for _, para := range doc.Paragraphs() {
		for _, run := range para.Runs() {
			textBuilder.WriteString(run.Text())
		}
		textBuilder.WriteString("\n")
	}
	return textBuilder.String(), nil
}

// ExcelParser 表格解析器，仅支持 .xlsx；每行以制表符连接
type ExcelParser struct{}

func (p *ExcelParser) Extensions() []string {
	return []string{".xlsx"}
}

func (p *ExcelParser) Parse(reader io.Reader, filename string) (string, error) {
	excelBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filename, err)
	}

	ss, err := spreadsheet.Read(bytes.NewReader(excelBytes), int64(len(excelBytes)))
	if err != nil {
		return "", fmt.Errorf("open xlsx %s: %w", filename, err)
	}
	defer ss.Close()

	var textBuilder strings.Builder
	for _, sheet := range ss.Sheets() {
		fmt.Fprintf(&textBuilder, "Sheet: %s\n", sheet.Name())
		for _, row := range sheet.Rows() {
			cells := row.Cells()
			if len(cells) == 0 {
				continue
			}
			values := make([]string, 0, len(cells))
			for _, cell := range cells {
				values = append(values, cell.GetString())
			}
			textBuilder.WriteString(strings.Join(values, "\t"))
			textBuilder.WriteString("\n")
		}
		textBuilder.WriteString("\n")
	}
	return textBuilder.String(), nil
}

// FileParserManager 按扩展名选择解析器
type FileParserManager struct {
	parsers map[string]FileParser
}

// NewFileParserManager 创建文件解析器管理器
func NewFileParserManager(parsers ...FileParser) *FileParserManager {
	if len(parsers) == 0 {
		parsers = []FileParser{&PDFParser{}, &WordParser{}, &ExcelParser{}, &TextParser{}}
	}
	m := &FileParserManager{parsers: make(map[string]FileParser)}
	for _, parser := range parsers {
		for _, ext := range parser.Extensions() {
			m.parsers[ext] = parser
		}
	}
	return m
}

// Supports 是否支持该文件
func (m *FileParserManager) Supports(filename string) bool {
	_, ok := m.parsers[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// ParseFile 解析文件
func (m *FileParserManager) ParseFile(reader io.Reader, filename string) (string, error) {
	parser, ok := m.parsers[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		return "", fmt.Errorf("unsupported file format: %s", filename)
	}
	return parser.Parse(reader, filename)
}

// SupportedFormats 返回支持的扩展名，已排序
func (m *FileParserManager) SupportedFormats() []string {
	result := make([]string, 0, len(m.parsers))
	for ext := range m.parsers {
		result = append(result, ext)
	}
	sort.Strings(result)
	return result
}
