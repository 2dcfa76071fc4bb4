package main

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxImportSizeBytes int64 = 5 * 1024 * 1024

var importMimeTypes = map[string]bool{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/octet-stream": true,
	"application/zip":          true,
}

// importLogsHandler takes a multipart "file" field holding an .xlsx sheet of logs.
// Rows that fail to parse or validate are reported in the result; the rest are imported.
func importLogsHandler(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := requestIDFromHeaders(c)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImportSizeBytes+1024*1024)

		header, err := c.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
				return
			}
			writeError(c, a, "importLogsHandler", utils.NewValidationError("file", "multipart field file is required"))
			return
		}
		if header.Size > maxImportSizeBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		if !isXlsxUpload(header.Filename, header.Header.Get("Content-Type")) {
			writeError(c, a, "importLogsHandler", utils.NewValidationError("file", "an .xlsx workbook is required"))
			return
		}

		file, err := header.Open()
		if err != nil {
			logUploadError(a.logger, err, "open", requestID)
			writeError(c, a, "importLogsHandler", err)
			return
		}
		defer file.Close()

		rows, err := models.ReadImportWorkbook(file)
		if err != nil {
			logUploadError(a.logger, err, "read", requestID)
			writeError(c, a, "importLogsHandler", utils.NewValidationError("file", err.Error()))
			return
		}
		sheet, err := models.ParseImportSheet(rows)
		if err != nil {
			writeError(c, a, "importLogsHandler", err)
			return
		}

		started := time.Now()
		result, err := a.logs.ImportSheet(c.Request.Context(), ownerId(c), sheet)
		if err != nil {
			writeError(c, a, "importLogsHandler", err)
			return
		}
		a.logger.WithFields(logrus.Fields{
			"event":      "upload.import",
			"request_id": requestID,
			"file":       header.Filename,
			"inserted":   result.InsertedCount,
			"failed":     result.FailedCount,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Info("xlsx import finished")
		c.JSON(http.StatusOK, result)
	}
}

func isXlsxUpload(fileName, mimeType string) bool {
	if !strings.EqualFold(filepath.Ext(fileName), ".xlsx") {
		return false
	}
	mimeType = strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	return mimeType == "" || importMimeTypes[mimeType]
}

func logUploadError(logger *logrus.Logger, err error, stage string, requestID string) {
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"stage":      stage,
		"request_id": requestID,
	}).Error("[upload.error]")
}

func requestIDFromHeaders(c *gin.Context) string {
	if id, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok && id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Request-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("upload-%d", time.Now().UnixNano())
}
