// Package bundle packages an inference result into a downloadable ZIP.
package bundle

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Brownie44l1/curie-api/internal/apperr"
	"github.com/Brownie44l1/curie-api/internal/imaging"
	"github.com/Brownie44l1/curie-api/internal/model"
	"go.uber.org/zap"
)

const (
	ImageName   = "output_data.png"
	ReportName  = "json_data.json"
	ArchiveName = "results.zip"

	timestampLayout = "2006-01-02_15-04-05"
)

// DownloadName is the client-facing archive name for a bundle created at t.
func DownloadName(t time.Time) string {
	return "curie_results_" + t.Format(timestampLayout) + ".zip"
}

type Packager struct {
	workDir string
	now     func() time.Time
	logger  *zap.Logger
}

// NewPackager creates bundles under workDir, or the system temp dir when
// workDir is empty.
func NewPackager(workDir string, logger *zap.Logger) *Packager {
	return &Packager{
		workDir: workDir,
		now:     time.Now,
		logger:  logger,
	}
}

// Bundle is a ZIP archive on disk. Cleanup must be called once the archive
// has been served.
type Bundle struct {
	Path     string
	Filename string

	dir    string
	once   sync.Once
	logger *zap.Logger
}

// Cleanup removes the bundle's directory. It is safe to call more than once.
func (b *Bundle) Cleanup() {
	b.once.Do(func() {
		if err := os.RemoveAll(b.dir); err != nil {
			b.logger.Warn("failed to delete bundle dir", zap.String("dir", b.dir), zap.Error(err))
			return
		}
		b.logger.Debug("bundle dir deleted", zap.String("dir", b.dir))
	})
}

// Package writes the overlay image and the report into a directory unique
// to this call and zips them. On error nothing is left on disk.
func (p *Packager) Package(ctx context.Context, requestID string, result *model.InferenceResult) (*Bundle, error) {
	if err := result.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInference, "model returned an incomplete result", err)
	}

	dir, err := os.MkdirTemp(p.workDir, "curie-"+requestID+"-")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPackaging, "failed to create bundle", err)
	}

	b := &Bundle{
		Path:     filepath.Join(dir, ArchiveName),
		Filename: DownloadName(p.now()),
		dir:      dir,
		logger:   p.logger,
	}

	if err := p.build(ctx, dir, b.Path, result); err != nil {
		b.Cleanup()
		return nil, apperr.Wrap(apperr.KindPackaging, "failed to create bundle", err)
	}

	return b, nil
}

func (p *Packager) build(ctx context.Context, dir, archivePath string, result *model.InferenceResult) error {
	imagePath := filepath.Join(dir, ImageName)
	if err := imaging.WritePNG(imagePath, result.Combined); err != nil {
		return fmt.Errorf("write %s: %w", ImageName, err)
	}

	reportPath := filepath.Join(dir, ReportName)
	if err := writeReport(reportPath, result.Report); err != nil {
		return fmt.Errorf("write %s: %w", ReportName, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return zipFiles([]string{imagePath, reportPath}, archivePath)
}

func writeReport(path string, report model.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// zipFiles compresses filePaths into a new archive at outputPath, storing
// each entry under its base name.
func zipFiles(filePaths []string, outputPath string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(out)
	for _, path := range filePaths {
		if err := addFile(zw, path); err != nil {
			zw.Close()
			out.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func addFile(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
