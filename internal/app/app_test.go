package app

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-zhu/easyimg/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Auth.JWTSecret = "app-secret"
	cfg.Upload.AllowGuest = true
	cfg.Upload.Dir = t.TempDir()
	cfg.Ledger.Driver = "badger"
	cfg.Ledger.BadgerDir = filepath.Join(t.TempDir(), "ledger")
	cfg.Defaults()
	return cfg
}

func pngUpload(t *testing.T) *http.Request {
	t.Helper()
	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewGray(image.Rect(0, 0, 6, 4))))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "tiny.png")
	require.NoError(t, err)
	_, err = fw.Write(img.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	a.HttpServer.Addr = "127.0.0.1:0"

	w := httptest.NewRecorder()
	a.HttpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestUploadIsMirrored(t *testing.T) {
	var (
		mu   sync.Mutex
		puts []string
	)
	bucket := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if r.Method == http.MethodPut {
			mu.Lock()
			puts = append(puts, r.URL.Path)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer bucket.Close()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Redis.Nodes = []config.RedisNode{{Host: mr.Host(), Port: port}}
	cfg.Mirror.Enabled = true
	cfg.Mirror.Workers = 1
	cfg.Mirror.BlockTimeout = 1
	cfg.Mirror.BackoffBase = 1
	cfg.R2.BucketName = "images"
	cfg.R2.Endpoint = bucket.URL
	cfg.R2.AccessKeyID = "key"
	cfg.R2.SecretKey = "secret"
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	a.HttpServer.Addr = "127.0.0.1:0"

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	w := httptest.NewRecorder()
	a.HttpServer.Handler.ServeHTTP(w, pngUpload(t))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(puts) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Regexp(t, `^/images/[a-f0-9-]+\.png$`, puts[0])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestUnknownLedgerDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Driver = "mongo"
	_, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
