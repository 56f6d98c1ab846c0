package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/apk-analysis/apk-risk-go/internal/analysis"
	"github.com/apk-analysis/apk-risk-go/internal/domain"
	"github.com/apk-analysis/apk-risk-go/internal/repository"
	"github.com/apk-analysis/apk-risk-go/internal/risk"
	"github.com/apk-analysis/apk-risk-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Version 服务版本
const Version = "1.0.0"

// AnalysisIDHeader 同步分析响应中携带记录 ID 的头
const AnalysisIDHeader = "X-Analysis-ID"

// AnalysisHandler 分析接口处理器
type AnalysisHandler struct {
	svc            *service.AnalysisService
	maxUploadBytes int64
	logger         *logrus.Logger
}

// NewAnalysisHandler 创建分析处理器实例
func NewAnalysisHandler(svc *service.AnalysisService, maxUploadBytes int64, logger *logrus.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		svc:            svc,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// Health 健康检查
// GET /api/health
func (h *AnalysisHandler) Health(c *gin.Context) {
	scorer := h.svc.ScorerName()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"version":      Version,
		"scorer":       scorer,
		"model_loaded": scorer != risk.ScorerRules,
	})
}

// Analyze 同步分析上传的 APK，直接返回报告
// POST /api/analyze  (multipart: file)
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	file, ok := h.formAPK(c)
	if !ok {
		return
	}

	src, err := file.Open()
	if err != nil {
		h.logger.WithError(err).Error("Failed to open uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "打开上传文件失败"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.maxUploadBytes+1))
	if err != nil {
		h.logger.WithError(err).Error("Failed to read uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取上传文件失败"})
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		h.tooLarge(c)
		return
	}

	record, report, err := h.svc.AnalyzeSync(c.Request.Context(), file.Filename, data)
	if err != nil {
		kind := analysis.FailureKind(err)
		resp := gin.H{
			"error": domain.FailureKind(kind).GetDisplayName(),
			"kind":  kind,
		}
		if record != nil {
			resp["id"] = record.ID
		}
		if analysis.IsInputError(err) {
			resp["detail"] = err.Error()
			c.JSON(http.StatusUnprocessableEntity, resp)
			return
		}
		h.logger.WithError(err).WithField("file_name", file.Filename).Error("Synchronous analysis failed")
		if kind == string(domain.FailureKindTimeout) {
			c.JSON(http.StatusGatewayTimeout, resp)
			return
		}
		c.JSON(http.StatusInternalServerError, resp)
		return
	}

	c.Header(AnalysisIDHeader, record.ID)
	c.JSON(http.StatusOK, report)
}

// Upload 保存 APK 并异步排队分析
// POST /api/upload  (multipart: file)
func (h *AnalysisHandler) Upload(c *gin.Context) {
	file, ok := h.formAPK(c)
	if !ok {
		return
	}

	src, err := file.Open()
	if err != nil {
		h.logger.WithError(err).Error("Failed to open uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "打开上传文件失败"})
		return
	}
	defer src.Close()

	path, err := h.svc.StoreUpload(file.Filename, src)
	if err != nil {
		if errors.Is(err, service.ErrUploadTooLarge) {
			h.tooLarge(c)
			return
		}
		h.logger.WithError(err).Error("Failed to store upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存上传文件失败"})
		return
	}

	record, dedup, err := h.svc.Submit(c.Request.Context(), file.Filename, path, service.SourceUpload)
	if err != nil {
		h.logger.WithError(err).WithField("file_name", file.Filename).Error("Failed to submit upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "提交分析任务失败"})
		return
	}

	status := http.StatusAccepted
	if dedup {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"id":           record.ID,
		"status":       record.Status,
		"sha256":       record.SHA256,
		"deduplicated": dedup,
	})
}

// ListAnalyses 分页查询分析记录
// GET /api/analyses?page=1&page_size=20&verdict=malicious&status=completed&search=关键词
func (h *AnalysisHandler) ListAnalyses(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}

	records, total, err := h.svc.List(c.Request.Context(), repository.ListFilter{
		Page:     page,
		PageSize: pageSize,
		Verdict:  c.Query("verdict"),
		Status:   domain.AnalysisStatus(c.Query("status")),
		Search:   c.Query("search"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分析列表失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analyses":    records,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// GetAnalysis 获取单条记录及报告
// GET /api/analyses/:id
func (h *AnalysisHandler) GetAnalysis(c *gin.Context) {
	record, report, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "分析记录不存在"})
			return
		}
		h.logger.WithError(err).WithField("analysis_id", c.Param("id")).Error("Failed to get analysis")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分析记录失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analysis": record,
		"report":   report,
	})
}

// DeleteAnalysis 删除分析记录
// DELETE /api/analyses/:id
func (h *AnalysisHandler) DeleteAnalysis(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "分析记录不存在"})
		case errors.Is(err, service.ErrAnalysisRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "分析进行中，无法删除"})
		default:
			h.logger.WithError(err).WithField("analysis_id", id).Error("Failed to delete analysis")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "删除分析记录失败"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "删除成功",
		"id":      id,
	})
}

// GetStats 统计信息
// GET /api/stats
func (h *AnalysisHandler) GetStats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计信息失败"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// formAPK 读取并校验 multipart 中的 file 字段
func (h *AnalysisHandler) formAPK(c *gin.Context) (*multipart.FileHeader, bool) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "获取上传文件失败"})
		return nil, false
	}
	if !strings.HasSuffix(strings.ToLower(file.Filename), ".apk") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "只支持 APK 文件格式"})
		return nil, false
	}
	if file.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "上传文件为空"})
		return nil, false
	}
	if file.Size > h.maxUploadBytes {
		h.tooLarge(c)
		return nil, false
	}
	return file, true
}

func (h *AnalysisHandler) tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"error": fmt.Sprintf("文件大小超过限制 (最大 %dMB)", h.maxUploadBytes/(1024*1024)),
	})
}
