package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/analysis"
	"github.com/apk-analysis/apk-risk-go/internal/domain"
	"github.com/apk-analysis/apk-risk-go/internal/repository"
	"github.com/apk-analysis/apk-risk-go/internal/retry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 提交来源
const (
	SourceAPI     = "api"
	SourceUpload  = "upload"
	SourceWatcher = "watcher"
)

var (
	// ErrUploadTooLarge 上传超过大小上限
	ErrUploadTooLarge = errors.New("upload exceeds size limit")
	// ErrAnalysisRunning 分析进行中，不可删除
	ErrAnalysisRunning = errors.New("analysis is still running")
)

// Analyzer 分析流水线
type Analyzer interface {
	AnalyzeBytes(ctx context.Context, data []byte) (*analysis.Report, error)
	AnalyzeFile(ctx context.Context, path string) (*analysis.Report, error)
	ScorerName() string
}

// Dispatcher 异步任务派发（进程内 worker 池或 RabbitMQ）
type Dispatcher interface {
	Dispatch(ctx context.Context, analysisID, apkPath string) error
}

// MetricsRecorder 分析指标
type MetricsRecorder interface {
	RecordSubmission(source string, deduplicated bool)
	RecordAnalysisStarted()
	RecordAnalysisCompleted(verdict, scorer string, score float64, ruleIDs []string, duration time.Duration)
	RecordAnalysisFailed(kind string, duration time.Duration)
}

// Notifier 状态变更推送
type Notifier interface {
	Notify(event Event)
}

// Event 分析状态变更事件
type Event struct {
	Type        string                `json:"type"` // queued, analyzing, completed, failed
	AnalysisID  string                `json:"analysis_id"`
	FileName    string                `json:"file_name,omitempty"`
	SHA256      string                `json:"sha256,omitempty"`
	Status      domain.AnalysisStatus `json:"status"`
	PackageName string                `json:"package_name,omitempty"`
	Verdict     string                `json:"verdict,omitempty"`
	RiskScore   float64               `json:"risk_score"`
	FailureKind domain.FailureKind    `json:"failure_kind,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// Options 服务参数
type Options struct {
	InboundDir     string
	MaxUploadBytes int64
	Timeout        time.Duration
}

// Stats 统计信息
type Stats struct {
	Total     int64            `json:"total"`
	Completed int64            `json:"completed"`
	Verdicts  map[string]int64 `json:"verdicts"`
	Statuses  map[string]int64 `json:"statuses"`
	Scorer    string           `json:"scorer"`
}

// AnalysisService 提交、执行并持久化 APK 分析
type AnalysisService struct {
	repo       repository.AnalysisRepository
	analyzer   Analyzer
	dispatcher Dispatcher
	metrics    MetricsRecorder
	notifier   Notifier
	opts       Options
	logger     *logrus.Logger
	now        func() time.Time
}

// NewAnalysisService 创建分析服务，dispatcher/metrics/notifier 可为 nil
func NewAnalysisService(repo repository.AnalysisRepository, analyzer Analyzer, dispatcher Dispatcher,
	metrics MetricsRecorder, notifier Notifier, opts Options, logger *logrus.Logger) *AnalysisService {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &AnalysisService{
		repo:       repo,
		analyzer:   analyzer,
		dispatcher: dispatcher,
		metrics:    metrics,
		notifier:   notifier,
		opts:       opts,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatcher 启动阶段注入派发器（worker 池依赖本服务，需后置）
func (s *AnalysisService) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// ScorerName 当前评分器
func (s *AnalysisService) ScorerName() string {
	return s.analyzer.ScorerName()
}

// AnalyzeSync 同步分析内存中的 APK；相同内容已有成功结果时直接复用
func (s *AnalysisService) AnalyzeSync(ctx context.Context, fileName string, data []byte) (*domain.AnalysisRecord, *analysis.Report, error) {
	digest := hashBytes(data)

	// 1. 去重
	if record, report, ok := s.findPrevious(ctx, digest); ok {
		s.recordSubmission(SourceAPI, true)
		return record, report, nil
	}
	s.recordSubmission(SourceAPI, false)

	// 2. 建立记录
	startedAt := s.now()
	record := &domain.AnalysisRecord{
		ID:        uuid.New().String(),
		FileName:  sanitizeFileName(fileName),
		SHA256:    digest,
		FileSize:  int64(len(data)),
		Status:    domain.AnalysisStatusAnalyzing,
		StartedAt: &startedAt,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return nil, nil, fmt.Errorf("failed to create analysis record: %w", err)
	}
	s.notify(record, "analyzing")

	// 3. 分析
	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	if s.metrics != nil {
		s.metrics.RecordAnalysisStarted()
	}
	report, err := s.analyzer.AnalyzeBytes(runCtx, data)
	if err != nil {
		s.fail(ctx, record, err)
		return record, nil, err
	}

	if err := s.complete(ctx, record, report); err != nil {
		return record, report, err
	}
	return record, report, nil
}

// StoreUpload 将上传内容写入 inbound 目录，超过上限返回 ErrUploadTooLarge
func (s *AnalysisService) StoreUpload(fileName string, r io.Reader) (string, error) {
	if err := os.MkdirAll(s.opts.InboundDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create inbound dir: %w", err)
	}

	path := filepath.Join(s.opts.InboundDir, uuid.New().String()+"_"+sanitizeFileName(fileName))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	src := r
	if s.opts.MaxUploadBytes > 0 {
		src = io.LimitReader(r, s.opts.MaxUploadBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.opts.MaxUploadBytes > 0 && n > s.opts.MaxUploadBytes {
		err = ErrUploadTooLarge
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Submit 为磁盘上的 APK 建立排队记录并派发；返回的 bool 表示是否复用了已有结果
func (s *AnalysisService) Submit(ctx context.Context, fileName, path, source string) (*domain.AnalysisRecord, bool, error) {
	if s.dispatcher == nil {
		return nil, false, errors.New("no dispatcher configured")
	}

	digest, size, err := hashFile(path)
	if err != nil {
		return nil, false, err
	}

	// 1. 去重
	if record, _, ok := s.findPrevious(ctx, digest); ok {
		s.recordSubmission(source, true)
		s.logger.WithFields(logrus.Fields{
			"analysis_id": record.ID,
			"sha256":      digest,
			"source":      source,
		}).Info("Reusing previous analysis")
		if source == SourceUpload {
			s.removeInbound(path)
		}
		return record, true, nil
	}
	s.recordSubmission(source, false)

	// 2. 建立记录
	record := &domain.AnalysisRecord{
		ID:       uuid.New().String(),
		FileName: sanitizeFileName(fileName),
		FilePath: path,
		SHA256:   digest,
		FileSize: size,
		Status:   domain.AnalysisStatusQueued,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return nil, false, fmt.Errorf("failed to create analysis record: %w", err)
	}

	// 3. 派发
	if err := s.dispatcher.Dispatch(ctx, record.ID, path); err != nil {
		s.logger.WithError(err).WithField("analysis_id", record.ID).Error("Failed to dispatch analysis")
		record.Status = domain.AnalysisStatusFailed
		record.FailureKind = domain.FailureKindInternal
		record.ErrorMessage = fmt.Sprintf("dispatch failed: %v", err)
		completedAt := s.now()
		record.CompletedAt = &completedAt
		if uerr := s.repo.Update(ctx, record); uerr != nil {
			s.logger.WithError(uerr).WithField("analysis_id", record.ID).Error("Failed to record dispatch failure")
		}
		s.notify(record, "failed")
		return record, false, fmt.Errorf("failed to dispatch analysis: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"analysis_id": record.ID,
		"file_name":   record.FileName,
		"sha256":      digest,
		"source":      source,
	}).Info("Analysis queued")
	s.notify(record, "queued")
	return record, false, nil
}

// Process 执行排队中的分析；输入类错误以 retry.Permanent 包装返回
func (s *AnalysisService) Process(ctx context.Context, analysisID, path string) error {
	// 1. 抢占
	claimed, err := s.repo.MarkAnalyzing(ctx, analysisID)
	if err != nil {
		return fmt.Errorf("failed to claim analysis: %w", err)
	}
	if !claimed {
		s.logger.WithField("analysis_id", analysisID).Info("Analysis already handled, skipping")
		return nil
	}

	record, err := s.repo.FindByID(ctx, analysisID)
	if err != nil {
		return fmt.Errorf("failed to load analysis: %w", err)
	}
	if path == "" {
		path = record.FilePath
	}
	s.notify(record, "analyzing")

	// 2. 分析
	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	if s.metrics != nil {
		s.metrics.RecordAnalysisStarted()
	}
	report, err := s.analyzer.AnalyzeFile(runCtx, path)
	if err != nil {
		s.fail(ctx, record, err)
		if analysis.IsInputError(err) {
			return retry.Permanent(err)
		}
		return err
	}

	// 3. 持久化
	return s.complete(ctx, record, report)
}

// Get 获取记录及完整报告（未完成时报告为 nil）
func (s *AnalysisService) Get(ctx context.Context, id string) (*domain.AnalysisRecord, *analysis.Report, error) {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if record.Status != domain.AnalysisStatusCompleted || record.ReportJSON == "" {
		return record, nil, nil
	}

	report, err := decodeReport(record.ReportJSON)
	if err != nil {
		return record, nil, err
	}
	return record, report, nil
}

// List 分页查询
func (s *AnalysisService) List(ctx context.Context, filter repository.ListFilter) ([]*domain.AnalysisRecord, int64, error) {
	records, total, err := s.repo.List(ctx, filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list analyses")
		return nil, 0, fmt.Errorf("failed to list analyses: %w", err)
	}
	return records, total, nil
}

// Delete 删除记录及其在 inbound 目录下的文件
func (s *AnalysisService) Delete(ctx context.Context, id string) error {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if record.Status == domain.AnalysisStatusAnalyzing {
		return fmt.Errorf("%w: %s", ErrAnalysisRunning, id)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.removeInbound(record.FilePath)

	s.logger.WithField("analysis_id", id).Info("Analysis deleted")
	return nil
}

// Stats 统计各 verdict 和状态数量
func (s *AnalysisService) Stats(ctx context.Context) (*Stats, error) {
	verdicts, completed, err := s.repo.CountByVerdict(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count verdicts: %w", err)
	}
	statuses, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count statuses: %w", err)
	}

	var total int64
	for _, n := range statuses {
		total += n
	}
	return &Stats{
		Total:     total,
		Completed: completed,
		Verdicts:  verdicts,
		Statuses:  statuses,
		Scorer:    s.analyzer.ScorerName(),
	}, nil
}

// RequeuePending 重新派发所有排队中的记录（服务重启后调用）
func (s *AnalysisService) RequeuePending(ctx context.Context) (int, error) {
	if s.dispatcher == nil {
		return 0, errors.New("no dispatcher configured")
	}

	records, err := s.repo.ListByStatus(ctx, domain.AnalysisStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("failed to list queued analyses: %w", err)
	}

	n := 0
	for _, r := range records {
		if err := s.dispatcher.Dispatch(ctx, r.ID, r.FilePath); err != nil {
			s.logger.WithError(err).WithField("analysis_id", r.ID).Warn("Failed to requeue analysis")
			continue
		}
		n++
	}
	return n, nil
}

// RecoverInterrupted 处理上次运行时中断的分析：有落盘文件的重新排队，其余标记失败
func (s *AnalysisService) RecoverInterrupted(ctx context.Context) (int, error) {
	records, err := s.repo.ListByStatus(ctx, domain.AnalysisStatusAnalyzing)
	if err != nil {
		return 0, fmt.Errorf("failed to list interrupted analyses: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	for _, r := range records {
		if r.FilePath != "" {
			r.Status = domain.AnalysisStatusQueued
			r.StartedAt = nil
		} else {
			completedAt := s.now()
			r.Status = domain.AnalysisStatusFailed
			r.FailureKind = domain.FailureKindInternal
			r.ErrorMessage = "interrupted by service restart"
			r.CompletedAt = &completedAt
		}
		if err := s.repo.Update(ctx, r); err != nil {
			return 0, fmt.Errorf("failed to reset analysis %s: %w", r.ID, err)
		}
	}

	s.logger.WithField("count", len(records)).Warn("Recovered analyses interrupted by previous run")
	return len(records), nil
}

// ResetRetryableFailures 将可重试的失败记录（超时、内部错误）恢复为排队状态
func (s *AnalysisService) ResetRetryableFailures(ctx context.Context) (int, error) {
	records, err := s.repo.ListByStatus(ctx, domain.AnalysisStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed analyses: %w", err)
	}

	n := 0
	for _, r := range records {
		if !r.FailureKind.CanRetry() || r.FilePath == "" {
			continue
		}
		r.Status = domain.AnalysisStatusQueued
		r.FailureKind = domain.FailureKindNone
		r.ErrorMessage = ""
		r.StartedAt = nil
		r.CompletedAt = nil
		r.DurationMs = 0
		if err := s.repo.Update(ctx, r); err != nil {
			return n, fmt.Errorf("failed to reset analysis %s: %w", r.ID, err)
		}
		n++
	}
	return n, nil
}

// complete 写入成功结果
func (s *AnalysisService) complete(ctx context.Context, record *domain.AnalysisRecord, report *analysis.Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		s.fail(ctx, record, fmt.Errorf("failed to encode report: %w", err))
		return err
	}

	completedAt := s.now()
	record.Status = domain.AnalysisStatusCompleted
	record.PackageName = report.PackageName
	record.Verdict = string(report.Verdict)
	record.RiskScore = report.RiskScore
	record.HitCount = len(report.Hits)
	record.Scorer = report.Scorer
	record.ReportJSON = string(raw)
	record.FailureKind = domain.FailureKindNone
	record.ErrorMessage = ""
	record.CompletedAt = &completedAt
	record.DurationMs = s.elapsed(record).Milliseconds()

	if s.metrics != nil {
		s.metrics.RecordAnalysisCompleted(record.Verdict, record.Scorer, record.RiskScore, report.RuleIDs(), s.elapsed(record))
	}
	if err := s.repo.Update(ctx, record); err != nil {
		return fmt.Errorf("failed to save analysis result: %w", err)
	}
	s.notify(record, "completed")
	return nil
}

// fail 写入失败结果
func (s *AnalysisService) fail(ctx context.Context, record *domain.AnalysisRecord, cause error) {
	completedAt := s.now()
	record.Status = domain.AnalysisStatusFailed
	record.FailureKind = domain.FailureKind(analysis.FailureKind(cause))
	record.ErrorMessage = cause.Error()
	record.CompletedAt = &completedAt
	record.DurationMs = s.elapsed(record).Milliseconds()

	s.logger.WithFields(logrus.Fields{
		"analysis_id":  record.ID,
		"sha256":       record.SHA256,
		"failure_kind": record.FailureKind,
		"error":        cause,
	}).Warn("Analysis failed")

	if s.metrics != nil {
		s.metrics.RecordAnalysisFailed(string(record.FailureKind), s.elapsed(record))
	}
	// 原始 ctx 可能已超时，失败结果仍需落库
	if err := s.repo.Update(context.WithoutCancel(ctx), record); err != nil {
		s.logger.WithError(err).WithField("analysis_id", record.ID).Error("Failed to save analysis failure")
	}
	s.notify(record, "failed")
}

func (s *AnalysisService) findPrevious(ctx context.Context, digest string) (*domain.AnalysisRecord, *analysis.Report, bool) {
	record, err := s.repo.FindCompletedBySHA256(ctx, digest)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.WithError(err).WithField("sha256", digest).Warn("Deduplication lookup failed")
		}
		return nil, nil, false
	}
	report, err := decodeReport(record.ReportJSON)
	if err != nil {
		s.logger.WithError(err).WithField("analysis_id", record.ID).Warn("Stored report is unreadable, re-analyzing")
		return nil, nil, false
	}
	return record, report, true
}

func (s *AnalysisService) elapsed(record *domain.AnalysisRecord) time.Duration {
	if record.StartedAt == nil {
		return 0
	}
	return s.now().Sub(*record.StartedAt)
}

func (s *AnalysisService) recordSubmission(source string, dedup bool) {
	if s.metrics != nil {
		s.metrics.RecordSubmission(source, dedup)
	}
}

func (s *AnalysisService) notify(record *domain.AnalysisRecord, eventType string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(Event{
		Type:        eventType,
		AnalysisID:  record.ID,
		FileName:    record.FileName,
		SHA256:      record.SHA256,
		Status:      record.Status,
		PackageName: record.PackageName,
		Verdict:     record.Verdict,
		RiskScore:   record.RiskScore,
		FailureKind: record.FailureKind,
		Timestamp:   s.now(),
	})
}

// removeInbound 只删除 inbound 目录内的文件，监听目录中的原文件保留
func (s *AnalysisService) removeInbound(path string) {
	if path == "" || s.opts.InboundDir == "" {
		return
	}
	dir, err := filepath.Abs(s.opts.InboundDir)
	if err != nil {
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(abs, dir+string(filepath.Separator)) {
		return
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).WithField("path", abs).Warn("Failed to remove stored APK")
	}
}

func decodeReport(raw string) (*analysis.Report, error) {
	var report analysis.Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("failed to decode stored report: %w", err)
	}
	return &report, nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open apk: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash apk: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload.apk"
	}
	return name
}
