package comfyui

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"comfyrunner/internal/comfyui/comfyuitest"
	"comfyrunner/internal/interfaces"
)

func TestBuildURL(t *testing.T) {
	tests := []struct {
		host, path, want, ws string
	}{
		{"127.0.0.1:8188", "/prompt", "http://127.0.0.1:8188/prompt", "ws://127.0.0.1:8188/ws?clientId=abc"},
		{"http://comfy:8188/", "history/x", "http://comfy:8188/history/x", "ws://comfy:8188/ws?clientId=abc"},
		{"https://comfy.example.com", "/view", "https://comfy.example.com/view", "wss://comfy.example.com/ws?clientId=abc"},
	}

	for _, tt := range tests {
		c := NewClient(tt.host)
		if got := c.buildURL(tt.path); got != tt.want {
			t.Errorf("buildURL(%s, %s) = %s, want %s", tt.host, tt.path, got, tt.want)
		}
		if got := c.buildWSURL("abc"); got != tt.ws {
			t.Errorf("buildWSURL(%s) = %s, want %s", tt.host, got, tt.ws)
		}
	}
}

func TestPing(t *testing.T) {
	srv := comfyuitest.NewServer()
	defer srv.Close()
	srv.PingFailures = 1

	c := NewClient(srv.Host())
	if err := c.Ping(context.Background()); err == nil {
		t.Error("expected first ping to fail")
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("expected second ping to succeed, got %v", err)
	}
}

func TestUploadImage(t *testing.T) {
	srv := comfyuitest.NewServer()
	defer srv.Close()

	c := NewClient(srv.Host())
	data := []byte{0x89, 'P', 'N', 'G'}
	if err := c.UploadImage(context.Background(), "abc.png", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	srv.Lock()
	defer srv.Unlock()
	if len(srv.Uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(srv.Uploads))
	}
	up := srv.Uploads[0]
	if up.Filename != "abc.png" || up.Overwrite != "true" || up.ContentType != "image/png" {
		t.Errorf("unexpected upload: %+v", up)
	}
	if !bytes.Equal(up.Data, data) {
		t.Error("uploaded bytes differ")
	}
}

func TestUploadImageRejected(t *testing.T) {
	srv := comfyuitest.NewServer()
	defer srv.Close()
	srv.UploadStatus = 500

	if err := NewClient(srv.Host()).UploadImage(context.Background(), "a.png", []byte("x")); err == nil {
		t.Error("expected error on non-2xx upload")
	}
}

func TestExecuteSubscribesBeforeSubmit(t *testing.T) {
	srv := comfyuitest.NewServer()
	defer srv.Close()

	c := NewClient(srv.Host())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	promptID, err := c.Execute(ctx, map[string]interface{}{"1": map[string]interface{}{"inputs": map[string]interface{}{}, "class_type": "A"}}, "client-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if promptID != "prompt-1" {
		t.Errorf("expected prompt-1, got %s", promptID)
	}

	srv.Lock()
	defer srv.Unlock()
	if len(srv.Submissions) != 1 {
		t.Fatalf("expected one submission, got %d", len(srv.Submissions))
	}
	sub := srv.Submissions[0]
	if !sub.Subscribed {
		t.Error("expected websocket to be open before submission")
	}
	if sub.ClientID != "client-1" {
		t.Errorf("expected client_id to be forwarded, got %s", sub.ClientID)
	}
}

func TestExecuteTimeout(t *testing.T) {
	srv := comfyuitest.NewServer()
	defer srv.Close()
	srv.NeverComplete = true

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	promptID, err := NewClient(srv.Host()).Execute(ctx, map[string]interface{}{}, "client-2")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if promptID == "" {
		t.Error("expected prompt id to be returned after submission")
	}
}

func TestExecuteExecutionError(t *testing.T) {
	srv := comfyuitest.NewServer()
	defer srv.Close()
	srv.ExecutionError = "out of memory"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewClient(srv.Host()).Execute(ctx, map[string]interface{}{}, "client-3")
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Errorf("expected execution error, got %v", err)
	}
}

func TestSubmitRejected(t *testing.T) {
	srv := comfyuitest.NewServer()
	defer srv.Close()
	srv.PromptStatus = 400

	_, err := NewClient(srv.Host()).SubmitWorkflow(context.Background(), map[string]interface{}{}, "c")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestHistoryAndView(t *testing.T) {
	srv := comfyuitest.NewServer()
	defer srv.Close()
	srv.Outputs = map[string]interface{}{
		"117": map[string]interface{}{
			"images": []map[string]string{{"filename": "f1.png", "subfolder": "", "type": "output"}},
		},
	}
	srv.Files["f1.png"] = []byte("frame-1")

	c := NewClient(srv.Host())
	history, err := c.GetHistory(context.Background(), "prompt-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !history.Status.Completed {
		t.Error("expected completed status")
	}

	files := history.Outputs["117"].Files("images")
	if len(files) != 1 || files[0].Filename != "f1.png" {
		t.Fatalf("unexpected files: %+v", files)
	}

	data, err := c.View(context.Background(), files[0])
	if err != nil || string(data) != "frame-1" {
		t.Errorf("unexpected view result %q %v", data, err)
	}

	if _, err := c.View(context.Background(), interfaces.ComfyUIFile{Filename: "missing.png", Type: "output"}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestInterrupt(t *testing.T) {
	srv := comfyuitest.NewServer()
	defer srv.Close()

	if err := NewClient(srv.Host()).Interrupt(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	srv.Lock()
	defer srv.Unlock()
	if srv.Interrupts != 1 {
		t.Errorf("expected one interrupt, got %d", srv.Interrupts)
	}
}
