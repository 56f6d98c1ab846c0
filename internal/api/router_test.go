package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/analysis"
	"github.com/apk-analysis/apk-risk-go/internal/api/handlers"
	"github.com/apk-analysis/apk-risk-go/internal/apk/apktest"
	"github.com/apk-analysis/apk-risk-go/internal/config"
	"github.com/apk-analysis/apk-risk-go/internal/middleware"
	"github.com/apk-analysis/apk-risk-go/internal/repository"
	"github.com/apk-analysis/apk-risk-go/internal/service"
	"github.com/apk-analysis/apk-risk-go/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var benignManifest = apktest.Manifest{
	Package:     "com.example.notes",
	MinSDK:      24,
	TargetSDK:   33,
	Permissions: []string{"android.permission.INTERNET"},
}

var smsManifest = apktest.Manifest{
	Package:     "com.example.flashlight",
	MinSDK:      21,
	TargetSDK:   30,
	Permissions: []string{"android.permission.SEND_SMS", "android.permission.READ_SMS", "android.permission.RECEIVE_SMS"},
}

func riskyAPK(t *testing.T) []byte {
	return apktest.BuildAPK(t, smsManifest, "Landroid/telephony/SmsManager;->sendTextMessage")
}

type testServer struct {
	router *gin.Engine
	svc    *service.AnalysisService
	hub    *handlers.LiveHub
	pool   *worker.Pool
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := quietLogger()

	db, err := repository.InitDB(&config.DatabaseConfig{Type: "sqlite", Path: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	analyzer, err := analysis.NewAnalyzer(analysis.Options{}, logger)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.Mode = "debug"
	cfg.Server.APIToken = token
	cfg.Analysis.MaxUploadMB = 1

	metrics := middleware.NewPrometheusMetrics(logger, "test", prometheus.NewRegistry())
	hub := handlers.NewLiveHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	svc := service.NewAnalysisService(repository.NewAnalysisRepository(db, logger), analyzer, nil, metrics, hub, service.Options{
		InboundDir:     t.TempDir(),
		MaxUploadBytes: 1 << 20,
		Timeout:        10 * time.Second,
	}, logger)

	pool := worker.NewPool(1, 10, func(ctx context.Context, job worker.Job) error {
		return svc.Process(ctx, job.AnalysisID, job.APKPath)
	}, logger)
	pool.Start(ctx)
	svc.SetDispatcher(pool)

	t.Cleanup(func() {
		pool.Stop()
		cancel()
	})

	return &testServer{
		router: SetupRouter(cfg, logger, Deps{
			Service:    svc,
			Hub:        hub,
			MemMonitor: middleware.NewMemoryMonitor(logger, time.Minute, 0),
			Metrics:    metrics,
		}),
		svc:  svc,
		hub:  hub,
		pool: pool,
	}
}

func multipartBody(t *testing.T, fileName string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (s *testServer) upload(t *testing.T, path, fileName string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, fileName, data)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "secret")

	w := s.get("/api/health")
	assert.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "rules", body["scorer"])
	assert.Equal(t, false, body["model_loaded"])
}

func TestAnalyze_ReturnsReport(t *testing.T) {
	s := newTestServer(t, "")

	w := s.upload(t, "/api/analyze", "flashlight.apk", riskyAPK(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.NotEmpty(t, w.Header().Get(handlers.AnalysisIDHeader))
	report := decode(t, w)
	assert.NotContains(t, report, "report")
	assert.Contains(t, report, "risk_score")
	assert.Contains(t, report, "features")
	assert.Equal(t, "com.example.flashlight", report["package_name"])
	assert.Contains(t, []interface{}{"suspicious", "malicious"}, report["verdict"])
	assert.NotEmpty(t, report["explain"])
	assert.NotEmpty(t, report["hits"])
}

func TestAnalyze_InputErrors(t *testing.T) {
	s := newTestServer(t, "")

	tests := []struct {
		name     string
		fileName string
		data     []byte
		status   int
		kind     string
	}{
		{"not a zip", "junk.apk", []byte("definitely not a zip"), http.StatusUnprocessableEntity, "parse_error"},
		{"missing manifest", "nomanifest.apk", apktest.Build(t, map[string][]byte{"classes.dex": apktest.Dex("a")}), http.StatusUnprocessableEntity, "extraction_error"},
		{"wrong extension", "notes.zip", apktest.BuildAPK(t, benignManifest), http.StatusBadRequest, ""},
		{"empty file", "empty.apk", nil, http.StatusBadRequest, ""},
		{"too large", "big.apk", bytes.Repeat([]byte{'x'}, 1<<20+1), http.StatusRequestEntityTooLarge, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.upload(t, "/api/analyze", tt.fileName, tt.data)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			body := decode(t, w)
			assert.NotEmpty(t, body["error"])
			if tt.kind != "" {
				assert.Equal(t, tt.kind, body["kind"])
			}
		})
	}
}

func TestUpload_ProcessesAsynchronously(t *testing.T) {
	s := newTestServer(t, "")

	w := s.upload(t, "/api/upload", "notes.apk", apktest.BuildAPK(t, benignManifest))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode(t, w)["id"].(string)

	require.Eventually(t, func() bool {
		w := s.get("/api/analyses/" + id)
		if w.Code != http.StatusOK {
			return false
		}
		record := decode(t, w)["analysis"].(map[string]interface{})
		return record["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	body := decode(t, s.get("/api/analyses/"+id))
	report := body["report"].(map[string]interface{})
	assert.Equal(t, "benign", report["verdict"])

	// 相同内容再次上传直接复用
	w = s.upload(t, "/api/upload", "copy.apk", apktest.BuildAPK(t, benignManifest))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	again := decode(t, w)
	assert.Equal(t, id, again["id"])
	assert.Equal(t, true, again["deduplicated"])
}

func TestListStatsAndDelete(t *testing.T) {
	s := newTestServer(t, "")

	require.Equal(t, http.StatusOK, s.upload(t, "/api/analyze", "notes.apk", apktest.BuildAPK(t, benignManifest)).Code)
	w := s.upload(t, "/api/analyze", "flashlight.apk", riskyAPK(t))
	require.Equal(t, http.StatusOK, w.Code)
	riskyID := w.Header().Get(handlers.AnalysisIDHeader)
	require.NotEmpty(t, riskyID)

	list := decode(t, s.get("/api/analyses?page=1&page_size=10"))
	assert.Equal(t, float64(2), list["total"])
	assert.Len(t, list["analyses"], 2)

	filtered := decode(t, s.get("/api/analyses?verdict=benign"))
	assert.Equal(t, float64(1), filtered["total"])

	stats := decode(t, s.get("/api/stats"))
	assert.Equal(t, float64(2), stats["completed"])
	assert.Equal(t, float64(1), stats["verdicts"].(map[string]interface{})["benign"])

	del := httptest.NewRecorder()
	s.router.ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/api/analyses/"+riskyID, nil))
	assert.Equal(t, http.StatusOK, del.Code)

	assert.Equal(t, http.StatusNotFound, s.get("/api/analyses/"+riskyID).Code)

	del = httptest.NewRecorder()
	s.router.ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/api/analyses/"+riskyID, nil))
	assert.Equal(t, http.StatusNotFound, del.Code)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, s.get("/api/stats").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoints(t *testing.T) {
	s := newTestServer(t, "")
	require.Equal(t, http.StatusOK, s.upload(t, "/api/analyze", "notes.apk", apktest.BuildAPK(t, benignManifest)).Code)

	w := s.get("/metrics/prometheus")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `test_analyses_total{scorer="rules",verdict="benign"} 1`)

	w = s.get("/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "memory")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, "secret")

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/analyze", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestLiveHubStreamsEvents(t *testing.T) {
	s := newTestServer(t, "")
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/analyses"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	w := s.upload(t, "/api/analyze", "flashlight.apk", riskyAPK(t))
	require.Equal(t, http.StatusOK, w.Code)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var seen []string
	for len(seen) < 2 {
		var event service.Event
		require.NoError(t, conn.ReadJSON(&event))
		seen = append(seen, event.Type)
		if event.Type == "completed" {
			assert.Equal(t, "com.example.flashlight", event.PackageName)
			assert.NotEmpty(t, event.Verdict)
		}
	}
	assert.Equal(t, []string{"analyzing", "completed"}, seen)
}
