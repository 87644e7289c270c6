package uploadtask

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-assets/internal/log"
	"github.com/keithlinneman/linnemanlabs-assets/internal/xerrors"
)

// reportInterval throttles progress events so a fast transfer does not flood
// the listener. The final event always fires regardless.
const reportInterval = 200 * time.Millisecond

// Metrics is the slice of instrumentation the uploader needs.
type Metrics interface {
	IncUploadTask(status string)
}

// UploaderOptions configure an Uploader. All fields are optional.
type UploaderOptions struct {
	Client  *http.Client
	Logger  log.Logger
	Metrics Metrics
}

// Uploader PUTs bytes to presigned URLs and streams progress events while
// the transfer runs.
type Uploader struct {
	client  *http.Client
	log     log.Logger
	metrics Metrics
}

func NewUploader(opts UploaderOptions) *Uploader {
	c := opts.Client
	if c == nil {
		c = &http.Client{Timeout: 10 * time.Minute}
	}
	l := opts.Logger
	if l == nil {
		l = log.Nop()
	}
	return &Uploader{client: c, log: l, metrics: opts.Metrics}
}

// Upload PUTs content to url, driving the task through its lifecycle and
// sending progress events to events if non-nil. The channel is never closed
// by Upload, a caller can reuse it across tasks. Cancelling ctx aborts the
// transfer and fails the task; nothing is persisted by this layer either
// way, the signed URL target only sees whatever bytes made it over.
func (u *Uploader) Upload(ctx context.Context, task *Task, url, contentType string, content []byte, events chan<- Progress) error {
	if err := task.Transition(StatusUploading); err != nil {
		return err
	}

	counter := &countingReader{
		r:     bytes.NewReader(content),
		total: int64(len(content)),
		emit:  progressEmitter(task, events),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, counter)
	if err != nil {
		return u.fail(ctx, task, xerrors.Wrap(err, "build upload request"))
	}
	req.ContentLength = int64(len(content))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return u.fail(ctx, task, xerrors.Wrap(err, "upload to signed url"))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return u.fail(ctx, task, xerrors.Newf("upload to signed url: unexpected status %d", resp.StatusCode))
	}

	counter.flush()
	task.UploadedBytes = counter.count()
	if err := task.Transition(StatusSuccess); err != nil {
		return err
	}
	if u.metrics != nil {
		u.metrics.IncUploadTask(string(StatusSuccess))
	}
	u.log.Debug(ctx, "upload task finished",
		"upload.task_id", task.ID,
		"upload.file_name", task.FileName,
		"upload.bytes", task.UploadedBytes)
	return nil
}

func (u *Uploader) fail(ctx context.Context, task *Task, err error) error {
	if ferr := task.Fail(err); ferr != nil {
		return ferr
	}
	if u.metrics != nil {
		u.metrics.IncUploadTask(string(StatusError))
	}
	u.log.Warn(ctx, "upload task failed",
		"upload.task_id", task.ID,
		"upload.file_name", task.FileName,
		"error", err.Error())
	return err
}

// progressEmitter builds the throttled event callback for a task. A nil
// events channel disables reporting entirely.
func progressEmitter(task *Task, events chan<- Progress) func(done, total int64, final bool) {
	if events == nil {
		return nil
	}
	var (
		lastFire  time.Time
		lastBytes int64
	)
	return func(done, total int64, final bool) {
		now := time.Now()
		if !final && !lastFire.IsZero() && now.Sub(lastFire) < reportInterval {
			return
		}

		var rate int64
		if elapsed := now.Sub(lastFire); !lastFire.IsZero() && elapsed > 0 {
			rate = int64(float64(done-lastBytes) / elapsed.Seconds())
		}
		var pct float64
		if total > 0 {
			pct = float64(done) / float64(total) * 100
		}

		ev := Progress{
			TaskID:        task.ID,
			UploadedBytes: done,
			TotalBytes:    total,
			Percent:       pct,
			BytesPerSec:   rate,
		}
		select {
		case events <- ev:
		default:
			// a slow listener drops events, progress is advisory
		}
		lastFire = now
		lastBytes = done
	}
}

// countingReader counts bytes as the HTTP transport drains it and fires the
// emit callback.
type countingReader struct {
	r     io.Reader
	total int64
	emit  func(done, total int64, final bool)

	mu   sync.Mutex
	done int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.mu.Lock()
		c.done += int64(n)
		done := c.done
		c.mu.Unlock()
		if c.emit != nil {
			c.emit(done, c.total, false)
		}
	}
	return n, err
}

func (c *countingReader) flush() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if c.emit != nil {
		c.emit(done, c.total, true)
	}
}

func (c *countingReader) count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}
