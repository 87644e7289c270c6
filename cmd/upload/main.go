// Command upload pushes a local file into the object store through the
// assets API: it requests a signed PUT URL, then uploads the file to it,
// printing progress as the transfer runs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-assets/internal/uploadtask"
)

func main() {
	var (
		apiURL      string
		key         string
		contentType string
		token       string
	)
	flag.StringVar(&apiURL, "api", "http://localhost:8080", "assets API base URL")
	flag.StringVar(&key, "key", "", "object key to upload to (defaults to the file basename)")
	flag.StringVar(&contentType, "content-type", "", "content type (defaults from the file extension)")
	flag.StringVar(&token, "token", "", "bearer token for the API (optional)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: upload [flags] <file>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	file := flag.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, apiURL, key, contentType, token, file); err != nil {
		fmt.Fprintln(os.Stderr, "upload failed:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, apiURL, key, contentType, token, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if key == "" {
		key = filepath.Base(file)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(file))
	}

	uploadURL, err := requestUploadURL(ctx, apiURL, key, contentType, token)
	if err != nil {
		return err
	}

	task := uploadtask.NewTask(uuid.NewString(), filepath.Base(file), int64(len(content)))
	events := make(chan uploadtask.Progress, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			fmt.Printf("\r%6.2f%%  %d/%d bytes  %d B/s",
				ev.Percent, ev.UploadedBytes, ev.TotalBytes, ev.BytesPerSec)
		}
	}()

	uploader := uploadtask.NewUploader(uploadtask.UploaderOptions{})
	err = uploader.Upload(ctx, task, uploadURL, contentType, content, events)
	close(events)
	<-done
	fmt.Println()
	if err != nil {
		return err
	}

	fmt.Printf("uploaded %s to %s (%d bytes)\n", file, key, task.UploadedBytes)
	return nil
}

func requestUploadURL(ctx context.Context, apiURL, key, contentType, token string) (string, error) {
	reqBody, err := json.Marshal(map[string]string{
		"key":         key,
		"contentType": contentType,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		apiURL+"/api/resources/upload-url", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload-url request: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.UploadURL == "" {
		return "", fmt.Errorf("upload-url request: empty url in response")
	}
	return out.UploadURL, nil
}
