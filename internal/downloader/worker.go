// Package downloader drains the download queue: it resolves Telegram files
// concurrently and streams them to disk through a bounded pool.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/memohai/evernoterobot/internal/convert"
	"github.com/memohai/evernoterobot/internal/media"
	"github.com/memohai/evernoterobot/internal/queue"
	"github.com/memohai/evernoterobot/internal/telegram"
)

const (
	DefaultBatchSize       = 100
	DefaultWriteWorkers    = 10
	DefaultPollInterval    = time.Second
	DefaultDownloadTimeout = 2 * time.Minute
	DefaultStaleAfter      = 10 * time.Minute
	DefaultRetention       = 24 * time.Hour
	DefaultRetryBackoff    = 5 * time.Second

	errorBodyLimit = 1024
)

// Queue is the part of the task queue the worker drives.
type Queue interface {
	DequeueBatch(ctx context.Context, limit int) ([]queue.Task, error)
	MarkInProgress(ctx context.Context, id string) (queue.Task, error)
	MarkCompleted(ctx context.Context, id string, res queue.Result) error
	MarkFailed(ctx context.Context, id string, cause error) error
	Retry(ctx context.Context, id string, cause error, delay time.Duration) error
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// FileResolver turns a Telegram file id into a short-lived download URL.
type FileResolver interface {
	FileURL(ctx context.Context, fileID string) (string, error)
}

// Storage persists downloaded content under a key. Save must reject content
// over maxBytes with media.ErrFileTooLarge.
type Storage interface {
	Save(ctx context.Context, key string, r io.Reader, maxBytes int64) (string, error)
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

type Converter interface {
	Convert(ctx context.Context, in, sourceMime, targetMime string) convert.Output
}

type Options struct {
	BatchSize       int
	WriteWorkers    int
	PollInterval    time.Duration
	DownloadTimeout time.Duration
	StaleAfter      time.Duration
	Retention       time.Duration
	MaxFileBytes    int64
	RetryBackoff    time.Duration
}

type Worker struct {
	queue     Queue
	files     FileResolver
	storage   Storage
	converter Converter
	http      *http.Client
	writes    *semaphore.Weighted
	opts      Options
	logger    *slog.Logger
}

func New(log *slog.Logger, q Queue, files FileResolver, storage Storage, converter Converter, httpClient *http.Client, opts Options) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.WriteWorkers <= 0 {
		opts.WriteWorkers = DefaultWriteWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultDownloadTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = media.MaxFileBytes
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	return &Worker{
		queue:     q,
		files:     files,
		storage:   storage,
		converter: converter,
		http:      httpClient,
		writes:    semaphore.NewWeighted(int64(opts.WriteWorkers)),
		opts:      opts,
		logger:    log.With(slog.String("service", "downloader")),
	}
}

// Run polls the queue until ctx is done. Maintenance jobs run on a cron
// schedule alongside the poll loop.
func (w *Worker) Run(ctx context.Context) error {
	w.recoverStale(ctx)

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc("@every 1m", func() { w.recoverStale(ctx) }); err != nil {
		return fmt.Errorf("schedule stale recovery: %w", err)
	}
	if _, err := c.AddFunc("@every 1h", func() { w.prune(ctx) }); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	w.logger.Info("download worker started",
		slog.Int("batch_size", w.opts.BatchSize),
		slog.Int("write_workers", w.opts.WriteWorkers),
	)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("poll failed", slog.Any("error", err))
		}
		// A full batch means more work is likely waiting.
		if n >= w.opts.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("download worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes one batch of due tasks and returns how many it saw.
// Failures of individual tasks are recorded on the task, not returned.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	tasks, err := w.queue.DequeueBatch(ctx, w.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	var g errgroup.Group
	g.SetLimit(w.opts.BatchSize)
	for _, task := range tasks {
		g.Go(func() error {
			w.process(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return len(tasks), nil
}

func (w *Worker) process(ctx context.Context, task queue.Task) {
	claimed, err := w.queue.MarkInProgress(ctx, task.ID)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			w.logger.Debug("task claimed elsewhere", slog.String("task_id", task.ID))
			return
		}
		w.logger.Error("claim task failed", slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}
	logger := w.logger.With(slog.String("task_id", claimed.ID), slog.String("file_id", claimed.FileID))

	res, err := w.download(ctx, claimed)
	if err != nil {
		w.fail(ctx, logger, claimed, err)
		return
	}
	if err := w.queue.MarkCompleted(ctx, claimed.ID, res); err != nil {
		logger.Error("mark completed failed", slog.Any("error", err))
		return
	}
	logger.Info("download completed", slog.String("path", res.LocalPath), slog.String("mime", res.Mime))
}

func (w *Worker) download(ctx context.Context, task queue.Task) (queue.Result, error) {
	fileURL, err := w.files.FileURL(ctx, task.FileID)
	if err != nil {
		var apiErr *telegram.APIError
		if errors.As(err, &apiErr) {
			return queue.Result{}, &DownloadError{Status: apiErr.Status, Body: apiErr.Body, Err: stripURL(err)}
		}
		return queue.Result{}, &DownloadError{Err: stripURL(err), transient: true}
	}

	localPath, mime, err := w.fetch(ctx, task, fileURL)
	if err != nil {
		return queue.Result{}, err
	}

	res := queue.Result{LocalPath: localPath, Mime: mime}
	if task.TargetMime != "" && w.converter != nil {
		out := w.converter.Convert(ctx, localPath, mime, task.TargetMime)
		res = queue.Result{LocalPath: out.Path, Mime: out.Mime}
	}
	return res, nil
}

// fetch streams the file to storage. The pool slot is held from request to
// rename, so at most WriteWorkers bodies are in flight and none is buffered
// in memory.
func (w *Worker) fetch(ctx context.Context, task queue.Task, fileURL string) (string, string, error) {
	if err := w.writes.Acquire(ctx, 1); err != nil {
		return "", "", &DownloadError{URL: fileURL, Err: err, transient: true}
	}
	defer w.writes.Release(1)

	ctx, cancel := context.WithTimeout(ctx, w.opts.DownloadTimeout)
	defer cancel()
	resp, err := w.get(ctx, fileURL)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	mime := media.BaseMime(task.SourceMime)
	if mime == "" {
		mime = media.BaseMime(resp.Header.Get("Content-Type"))
	}
	if mime == "" || mime == "application/octet-stream" {
		mime = media.MimeFromName(firstNonEmpty(task.FileName, path.Base(fileURL)))
	}

	body := &bodyReader{r: resp.Body}
	localPath, err := w.storage.Save(ctx, localKey(task, mime), body, w.opts.MaxFileBytes)
	switch {
	case err == nil:
		return localPath, mime, nil
	case errors.Is(err, media.ErrFileTooLarge):
		return "", "", &DownloadError{URL: fileURL, Err: err}
	case body.err != nil:
		return "", "", &DownloadError{URL: fileURL, Err: stripURL(body.err), transient: true}
	default:
		return "", "", &DownloadError{URL: fileURL, Err: err}
	}
}

// get issues the file request and returns a response with a 2xx status whose
// declared length fits the size limit. The caller closes the body.
func (w *Worker) get(ctx context.Context, fileURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, &DownloadError{URL: fileURL, Err: stripURL(err)}
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: fileURL, Err: stripURL(err), transient: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &DownloadError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body)), URL: fileURL}
	}
	if resp.ContentLength > w.opts.MaxFileBytes {
		_ = resp.Body.Close()
		return nil, &DownloadError{
			URL: fileURL,
			Err: fmt.Errorf("%w: %d bytes, max %d", media.ErrFileTooLarge, resp.ContentLength, w.opts.MaxFileBytes),
		}
	}
	return resp, nil
}

// bodyReader remembers the first read error so network failures can be told
// apart from disk failures after the copy.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && b.err == nil {
		b.err = err
	}
	return n, err
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, task queue.Task, cause error) {
	if ctx.Err() != nil {
		logger.Warn("download interrupted, requeueing", slog.Any("error", cause))
		if err := w.queue.Retry(context.WithoutCancel(ctx), task.ID, cause, 0); err != nil {
			logger.Error("requeue task failed", slog.Any("error", err))
		}
		return
	}
	var dlErr *DownloadError
	retryable := errors.As(cause, &dlErr) && dlErr.Retryable()
	if retryable && task.Attempts < task.MaxAttempts {
		delay := w.backoff(task.Attempts)
		logger.Warn("download failed, will retry",
			slog.Int("attempt", task.Attempts),
			slog.Duration("delay", delay),
			slog.Any("error", cause),
		)
		if err := w.queue.Retry(ctx, task.ID, cause, delay); err != nil {
			logger.Error("retry task failed", slog.Any("error", err))
		}
		return
	}
	logger.Error("download failed", slog.Int("attempt", task.Attempts), slog.Any("error", cause))
	if err := w.queue.MarkFailed(context.WithoutCancel(ctx), task.ID, cause); err != nil {
		logger.Error("mark failed failed", slog.Any("error", err))
	}
}

func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	return w.opts.RetryBackoff << (attempt - 1)
}

func (w *Worker) recoverStale(ctx context.Context) {
	if _, err := w.queue.RecoverStale(ctx, w.opts.StaleAfter); err != nil && ctx.Err() == nil {
		w.logger.Error("stale recovery failed", slog.Any("error", err))
	}
}

// prune drops downloaded files and finished task rows older than the
// retention window. Rows are normally archived by their owner; the purge
// catches owners that gave up or crashed.
func (w *Worker) prune(ctx context.Context) {
	n, err := w.storage.Prune(ctx, time.Now().Add(-w.opts.Retention))
	if err != nil {
		w.logger.Error("prune downloads failed", slog.Any("error", err))
	} else if n > 0 {
		w.logger.Info("pruned downloads", slog.Int("count", n))
	}
	if _, err := w.queue.PurgeTerminal(ctx, w.opts.Retention); err != nil && ctx.Err() == nil {
		w.logger.Error("purge finished tasks failed", slog.Any("error", err))
	}
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// localKey is derived from the file id alone, so the same file always lands
// on the same path.
func localKey(task queue.Task, mime string) string {
	dir := strings.TrimSpace(task.Kind)
	if dir == "" {
		dir = "file"
	}
	name := unsafeKeyChars.ReplaceAllString(task.FileID, "_")
	ext := ""
	if task.FileName != "" {
		ext = strings.ToLower(path.Ext(task.FileName))
	}
	if ext == "" {
		ext = media.ExtensionFromMime(mime)
	}
	return path.Join(unsafeKeyChars.ReplaceAllString(dir, "_"), name+ext)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
