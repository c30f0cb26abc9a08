package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/paperflow/internal/apperr"
)

// PDFValidator implements SourceValidator with pdfcpu. Uploads come from
// arbitrary sources, so validation runs relaxed and the optimized copy is
// what gets page-counted.
type PDFValidator struct{}

func (PDFValidator) ValidateAndCount(localPath string) (int, error) {
	const op = "pdf.ValidateAndCount"

	optimizedPath := filepath.Join(filepath.Dir(localPath), "optimized.pdf")
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.OptimizeFile(localPath, optimizedPath, cfg); err != nil {
		return 0, apperr.E(apperr.Validation, op, fmt.Errorf("source PDF failed validation: %w", err))
	}

	pageCount, err := api.PageCountFile(optimizedPath)
	if err != nil {
		return 0, apperr.E(apperr.Validation, op, fmt.Errorf("page count: %w", err))
	}
	return pageCount, nil
}
