package controllers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aihub/rag-service/internal/config"
	apperrors "github.com/aihub/rag-service/internal/errors"
	"github.com/aihub/rag-service/internal/logger"
	"github.com/aihub/rag-service/internal/services"
	"github.com/aihub/rag-service/internal/storage"
)

// UploadResponse 上传后立即返回，入库在后台进行
type UploadResponse struct {
	FileID   string                    `json:"file_id"`
	Filename string                    `json:"filename"`
	Status   services.ProcessingStatus `json:"status"`
}

// DocumentController 文档上传与入库状态
type DocumentController struct {
	BaseController
	Ingestion    *services.IngestionService
	Store        storage.SourceStore
	UploadConfig config.FileUploadConfig
}

// NewDocumentController 创建文档控制器
func NewDocumentController(ingestion *services.IngestionService, store storage.SourceStore, upload config.FileUploadConfig) *DocumentController {
	return &DocumentController{
		Ingestion:    ingestion,
		Store:        store,
		UploadConfig: upload,
	}
}

// Upload POST /api/upload
func (c *DocumentController) Upload() {
	file, header, err := c.GetFile("file")
	if err != nil {
		c.JSONError(http.StatusBadRequest, "missing multipart field \"file\"")
		return
	}
	defer file.Close()

	filename := filepath.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	if filename == "" || filename == "." || filename == "/" {
		c.JSONError(http.StatusBadRequest, "invalid filename")
		return
	}
	if err := c.checkUpload(filename, header.Size); err != nil {
		c.JSONAppError(err)
		return
	}

	fileID := uuid.New().String()[:8]
	storedName := fmt.Sprintf("%s_%s", fileID, filename)
	ctx := c.Ctx.Request.Context()
	if err := c.Store.Save(ctx, storedName, file, header.Size); err != nil {
		c.JSONAppError(apperrors.NewSystemError(apperrors.ErrCodeUploadFailed, "failed to store upload").WithCause(err))
		return
	}

	queued, err := c.Ingestion.IngestAsync(storedName, filename)
	if err != nil {
		if delErr := c.Store.Delete(ctx, storedName); delErr != nil {
			logger.Warn("Failed to remove rejected upload", zap.String("name", storedName), zap.Error(delErr))
		}
		c.JSONAppError(err)
		return
	}

	logger.Info("Upload accepted",
		zap.String("file_id", queued),
		zap.String("filename", filename),
		zap.Int64("size", header.Size))
	c.JSONSuccess(UploadResponse{
		FileID:   queued,
		Filename: filename,
		Status:   services.StatusProcessing,
	})
}

func (c *DocumentController) checkUpload(filename string, size int64) error {
	if c.UploadConfig.MaxSize > 0 && size > c.UploadConfig.MaxSize {
		return apperrors.NewBusinessError(apperrors.ErrCodeFileTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", c.UploadConfig.MaxSize))
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if len(c.UploadConfig.AllowedTypes) > 0 {
		allowed := false
		for _, t := range c.UploadConfig.AllowedTypes {
			if strings.EqualFold(t, ext) {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperrors.NewBusinessError(apperrors.ErrCodeInvalidFileFormat,
				fmt.Sprintf("file type %q is not allowed", ext))
		}
	}
	if !c.Ingestion.Supports(filename) {
		return apperrors.NewBusinessError(apperrors.ErrCodeInvalidFileFormat,
			fmt.Sprintf("file type %q is not supported", ext))
	}
	return nil
}

// Status GET /api/status/:file_id
func (c *DocumentController) Status() {
	fileID := c.Ctx.Input.Param(":file_id")
	record, ok := c.Ingestion.GetStatus(c.Ctx.Request.Context(), fileID)
	if !ok {
		c.JSONAppError(apperrors.NewNotFoundError("file " + fileID))
		return
	}
	c.JSONSuccess(record)
}

// List GET /api/documents
func (c *DocumentController) List() {
	docs, err := c.Ingestion.ListIngested(c.Ctx.Request.Context())
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"documents": docs,
		"total":     len(docs),
	})
}
