package adapter

import (
	"context"
	"errors"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/model"
)

// PDFParser extracts text per page with MuPDF
type PDFParser struct{}

func NewPDFParser() *PDFParser {
	return &PDFParser{}
}

// Parse returns one Page per page that has text. Page numbers start at 1 and keep
// their position in the file even when blank pages are skipped.
func (p *PDFParser) Parse(ctx context.Context, data []byte, filename string) ([]*model.Page, error) {
	if len(data) == 0 {
		return nil, goerr.Wrap(model.ErrInvalidInput, "empty file", goerr.V("filename", filename))
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrInvalidInput, err), "failed to open PDF", goerr.V("filename", filename))
	}
	defer doc.Close()

	var pages []*model.Page
	for i := 0; i < doc.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, goerr.Wrap(err, "parsing interrupted", goerr.V("filename", filename))
		}

		text, err := doc.Text(i)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to extract page text",
				goerr.V("filename", filename), goerr.V("page", i+1))
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		pages = append(pages, &model.Page{
			Content:    text,
			Source:     filename,
			PageNumber: i + 1,
		})
	}

	return pages, nil
}
