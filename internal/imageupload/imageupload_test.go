package imageupload

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestUploadFile_SuccessfulResponse(t *testing.T) {
	var gotImgPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("server: parsing multipart form: %v", err)
		}
		gotImgPath = r.FormValue("img_path")
		file, _, err := r.FormFile("img")
		if err != nil {
			t.Fatalf("server: reading img field: %v", err)
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "fake-jpeg-bytes" {
			t.Errorf("server received unexpected body: %q", data)
		}
		w.Write([]byte(`{"rescd":"0"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	localPath := filepath.Join(dir, "CAR1_1000.jpg")
	if err := os.WriteFile(localPath, []byte("fake-jpeg-bytes"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	c := New(srv.URL)
	ok, err := c.UploadFile(t.Context(), localPath, "vehicle/CAM1/2026/07/29", "10_abc.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Errorf("expected upload to report success")
	}
	if gotImgPath != "vehicle/CAM1/2026/07/29/10_abc.jpg" {
		t.Errorf("unexpected img_path field: %q", gotImgPath)
	}
}

func TestUploadFile_NonZeroResCdIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rescd":"1"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	localPath := filepath.Join(dir, "img.jpg")
	os.WriteFile(localPath, []byte("x"), 0o644)

	c := New(srv.URL)
	ok, err := c.UploadFile(t.Context(), localPath, "dir", "file.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("expected failure for non-zero rescd")
	}
}

func TestUploadBytes_PostsInMemoryBuffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		file, _, err := r.FormFile("img")
		if err != nil {
			t.Fatalf("server: reading img field: %v", err)
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "raw-bytes" {
			t.Errorf("unexpected body: %q", data)
		}
		w.Write([]byte(`{"rescd":"0"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	ok, err := c.UploadBytes(t.Context(), []byte("raw-bytes"), "dir", "file.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Errorf("expected success")
	}
}

func TestUploadFile_MissingLocalFileErrors(t *testing.T) {
	c := New("http://127.0.0.1:0")
	_, err := c.UploadFile(t.Context(), "/nonexistent/path.jpg", "dir", "file.jpg")
	if err == nil {
		t.Fatalf("expected error for missing local file")
	}
}
