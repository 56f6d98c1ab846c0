// Package onnxmodel scores feature sets with an ONNX classifier.
package onnxmodel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apk-analysis/apk-risk-go/internal/features"
	"github.com/apk-analysis/apk-risk-go/internal/risk"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// ScorerModel 模型评分器名称
const ScorerModel = "model"

// Options 模型加载参数
type Options struct {
	ModelPath         string
	SharedLibraryPath string
	InputName         string
	OutputName        string
	// PositiveIndex 输出中"恶意"概率所在下标
	PositiveIndex int
}

// Model 以 ONNX 分类器输出的恶意概率作为风险分；命中列表仍来自规则表
type Model struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	rules         *risk.RuleScorer
	positiveIndex int
	logger        *logrus.Logger

	mu sync.Mutex
}

// Load 初始化 onnxruntime 并创建会话
func Load(opts Options, rules *risk.RuleScorer, logger *logrus.Logger) (*Model, error) {
	if rules == nil {
		return nil, errors.New("rule scorer is required")
	}
	if opts.ModelPath == "" {
		return nil, errors.New("model path is empty")
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", opts.ModelPath, err)
	}
	if opts.InputName == "" {
		opts.InputName = "features"
	}
	if opts.OutputName == "" {
		opts.OutputName = "probabilities"
	}
	if opts.PositiveIndex < 0 || opts.PositiveIndex > 1 {
		return nil, fmt.Errorf("positive index %d out of range", opts.PositiveIndex)
	}

	libPath := resolveSharedLibraryPath(opts.SharedLibraryPath, filepath.Dir(opts.ModelPath))
	if libPath == "" {
		return nil, fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or model.shared_library_path")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, risk.VectorSize))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 2))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"model":   opts.ModelPath,
		"runtime": libPath,
	}).Info("ONNX risk model loaded")

	return &Model{
		session:       session,
		input:         input,
		output:        output,
		rules:         rules,
		positiveIndex: opts.PositiveIndex,
		logger:        logger,
	}, nil
}

// Name 评分器名称
func (m *Model) Name() string {
	return ScorerModel
}

// Score 推理失败时退回规则求和
func (m *Model) Score(fs *features.FeatureSet) risk.ScoreResult {
	hits, raw := m.rules.Evaluate(fs)

	p, err := m.predict(risk.Vector(fs))
	if err != nil {
		m.logger.WithError(err).Warn("Model inference failed, falling back to rule score")
		return risk.ScoreResult{
			RiskScore: risk.Clamp(raw),
			RawScore:  raw,
			Hits:      hits,
			Scorer:    risk.ScorerRules,
		}
	}

	return risk.ScoreResult{
		RiskScore: risk.Clamp(float64(p)),
		RawScore:  raw,
		Hits:      hits,
		Scorer:    ScorerModel,
	}
}

func (m *Model) predict(vec []float32) (float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return 0, errors.New("model session closed")
	}

	copy(m.input.GetData(), vec)
	if err := m.session.Run(); err != nil {
		return 0, fmt.Errorf("onnx run: %w", err)
	}

	out := m.output.GetData()
	if len(out) <= m.positiveIndex {
		return 0, fmt.Errorf("unexpected output size %d", len(out))
	}
	return out[m.positiveIndex], nil
}

// Close 释放会话和张量
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.input.Destroy()
	m.output.Destroy()
	m.session = nil
	return err
}

func resolveSharedLibraryPath(explicit, modelDir string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{"libonnxruntime.so", "onnxruntime.so", "libonnxruntime.dylib", "onnxruntime.dll"}
	dirs := []string{modelDir, filepath.Join(modelDir, "lib"), "/usr/local/lib", "/usr/lib", "/opt/homebrew/lib"}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
