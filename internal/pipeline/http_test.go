package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

type stubStarter struct {
	jobID   string
	err     error
	started bool
	source  string
	req     Request
}

func (s *stubStarter) Start(ctx context.Context, source string, req Request) (string, error) {
	s.started = true
	s.source = source
	s.req = req
	if s.err != nil {
		return "", s.err
	}
	return s.jobID, nil
}

// ftyp ボックスを持つ最小のMP4ヘッダ。種別判定にはこれで十分です。
var mp4Header = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm',
	0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm', 'i', 's', 'o', '2',
	'm', 'p', '4', '1', 0x00, 0x00, 0x00, 0x00,
}

func postJSON(t *testing.T, handler gin.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST(path, handler)

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestDownloadHandlerStartsJob(t *testing.T) {
	starter := &stubStarter{jobID: "job-1"}
	handler := DownloadHandler(starter, HandlerOptions{BucketConfigured: true})

	w := postJSON(t, handler, "/api/download", `{"url":"https://www.youtube.com/watch?v=abc","format":"bestaudio"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d (%s)", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["jobId"] != "job-1" {
		t.Fatalf("unexpected body: %v", body)
	}
	if starter.req.Kind != KindDownload || starter.req.Format != "bestaudio" {
		t.Fatalf("unexpected request: %+v", starter.req)
	}
	if starter.source != "https://www.youtube.com/watch?v=abc" {
		t.Fatalf("unexpected source: %s", starter.source)
	}
}

func TestDownloadHandlerRejectsInvalidURL(t *testing.T) {
	starter := &stubStarter{jobID: "job-1"}
	handler := DownloadHandler(starter, HandlerOptions{BucketConfigured: true})

	w := postJSON(t, handler, "/api/download", `{"url":"ftp://example.com/video"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if starter.started {
		t.Fatal("starter should not be called for invalid input")
	}
}

func TestDownloadHandlerRejectsDisallowedHost(t *testing.T) {
	starter := &stubStarter{jobID: "job-1"}
	handler := DownloadHandler(starter, HandlerOptions{
		BucketConfigured: true,
		AllowedHosts:     []string{"youtube.com"},
	})

	w := postJSON(t, handler, "/api/download", `{"url":"https://example.com/video"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if body := decodeBody(t, w); body["code"] != "DOMAIN_NOT_ALLOWED" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestDownloadHandlerRequiresBucket(t *testing.T) {
	starter := &stubStarter{jobID: "job-1"}
	handler := DownloadHandler(starter, HandlerOptions{BucketConfigured: false})

	w := postJSON(t, handler, "/api/download", `{"url":"https://www.youtube.com/watch?v=abc"}`)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if body := decodeBody(t, w); body["code"] != "CONFIG_ERROR" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func postMultipart(t *testing.T, handler gin.HandlerFunc, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/upload", handler)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUploadHandlerAcceptsVideo(t *testing.T) {
	starter := &stubStarter{jobID: "job-2"}
	tempDir := t.TempDir()
	handler := UploadHandler(starter, HandlerOptions{BucketConfigured: true, TempDir: tempDir})

	w := postMultipart(t, handler, "clip.mp4", mp4Header)

	if w.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d (%s)", w.Code, w.Body.String())
	}
	if starter.req.Kind != KindUpload || starter.req.Filename != "clip.mp4" {
		t.Fatalf("unexpected request: %+v", starter.req)
	}
	if _, err := os.Stat(starter.req.UploadPath); err != nil {
		t.Fatalf("uploaded file not saved: %v", err)
	}
	if !strings.HasPrefix(starter.req.UploadPath, tempDir) {
		t.Fatalf("upload saved outside temp dir: %s", starter.req.UploadPath)
	}
}

func TestUploadHandlerRejectsNonVideo(t *testing.T) {
	starter := &stubStarter{jobID: "job-2"}
	handler := UploadHandler(starter, HandlerOptions{BucketConfigured: true, TempDir: t.TempDir()})

	w := postMultipart(t, handler, "notes.txt", []byte("just some text"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if starter.started {
		t.Fatal("starter should not be called for non-video upload")
	}
}

func TestSplitHandlerStartsJob(t *testing.T) {
	starter := &stubStarter{jobID: "job-3"}
	handler := SplitHandler(starter, HandlerOptions{BucketConfigured: true})

	w := postJSON(t, handler, "/api/split",
		`{"s3_url":"https://bucket/videos/j1/video_j1.mp4","start_time":3.5,"end_time":10,"convert_to_horizontal":true,"original_metadata":{"title":"Demo"}}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d (%s)", w.Code, w.Body.String())
	}
	if starter.req.Kind != KindSplit || starter.req.Start != 3.5 || starter.req.End != 10 {
		t.Fatalf("unexpected request: %+v", starter.req)
	}
	if !starter.req.ConvertHorizontal {
		t.Fatal("convert flag not carried")
	}
	if starter.req.OriginalMeta["title"] != "Demo" {
		t.Fatalf("metadata not carried: %v", starter.req.OriginalMeta)
	}
}

func TestSplitHandlerValidation(t *testing.T) {
	starter := &stubStarter{jobID: "job-3"}
	handler := SplitHandler(starter, HandlerOptions{BucketConfigured: true})

	cases := []string{
		`{"start_time":0}`,                          // missing s3_url
		`{"s3_url":"https://b/v","start_time":-1}`,  // negative start
		`{"s3_url":"https://b/v","start_time":10,"end_time":5}`, // end before start
	}
	for _, body := range cases {
		if w := postJSON(t, handler, "/api/split", body); w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, w.Code)
		}
	}
	if starter.started {
		t.Fatal("starter should not be called for invalid input")
	}
}

func TestStoryboardHandlerStartsJob(t *testing.T) {
	starter := &stubStarter{jobID: "job-4"}
	handler := StoryboardHandler(starter, HandlerOptions{BucketConfigured: true})

	w := postJSON(t, handler, "/api/storyboard",
		`{"video_url":"https://bucket/videos/j1/video_j1.mp4","threshold":0.5,"thumbnail_width":640,"thumbnail_height":360}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d (%s)", w.Code, w.Body.String())
	}
	if starter.req.Kind != KindStoryboard || starter.req.Threshold != 0.5 {
		t.Fatalf("unexpected request: %+v", starter.req)
	}
	if starter.req.ThumbWidth != 640 || starter.req.ThumbHeight != 360 {
		t.Fatalf("thumbnail size not carried: %+v", starter.req)
	}
	if starter.source != "storyboard:https://bucket/videos/j1/video_j1.mp4" {
		t.Fatalf("unexpected source: %s", starter.source)
	}
}

func TestStoryboardHandlerRejectsBadThreshold(t *testing.T) {
	starter := &stubStarter{jobID: "job-4"}
	handler := StoryboardHandler(starter, HandlerOptions{BucketConfigured: true})

	for _, body := range []string{
		`{"video_url":"https://b/v","threshold":1.5}`,
		`{"video_url":"https://b/v","threshold":-0.1}`,
	} {
		if w := postJSON(t, handler, "/api/storyboard", body); w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, w.Code)
		}
	}
}
