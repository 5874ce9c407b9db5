// Package fetch implements the Download Engine (C10): the single-stream
// per-file algorithm (resolve destination, fast-path on an
// already-correct file, range-resume a partial .tmp, stream-hash, verify,
// atomic rename). It runs a single stream per file since the engine claims
// one task per destination path at a time.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tachyon-labs/civitai-fetch/internal/integrity"
	"github.com/tachyon-labs/civitai-fetch/internal/transport"
)

const (
	minChunk = 8 * 1024
	maxChunk = 64 * 1024
)

// Request is everything the engine needs to fetch one file.
type Request struct {
	TaskID        string
	URL           string
	Destination   string
	DeclaredSize  int64
	DeclaredSHA256 string
	RecentFailureRate float64
}

// Progress is reported periodically during a download (wired to
// events.DownloadProgress by the caller).
type Progress struct {
	BytesCompleted int64
	BytesTotal     int64
}

// Outcome is the terminal result of Run's 6-step algorithm.
type Outcome struct {
	Skipped    bool // step 2: final file already present with matching digest
	BytesMoved int64
	Duration   time.Duration
	Quarantined bool
	QuarantinePath string
}

// Engine drives one file's worth of the algorithm per Run call. It
// owns no concurrency of its own — the Scheduler (C9) is what runs many
// Engines concurrently, one per claimed task.
type Engine struct {
	http        *http.Client
	transportCfg transport.Config
	verifier    *integrity.Verifier
}

// New builds an Engine bound to the shared transport client, the transport
// config used to stamp every request with User-Agent/Authorization, and the
// integrity verifier (quarantine root).
func New(httpClient *http.Client, cfg transport.Config, verifier *integrity.Verifier) *Engine {
	return &Engine{http: httpClient, transportCfg: cfg, verifier: verifier}
}

// Run executes the 6-step algorithm for one file. onProgress may be nil.
func (e *Engine) Run(ctx context.Context, req Request, onProgress func(Progress)) (Outcome, error) {
	start := time.Now()

	// Step 1: resolve destination, ensure directory exists.
	if err := os.MkdirAll(filepath.Dir(req.Destination), 0o755); err != nil {
		return Outcome{}, fmt.Errorf("fetch: creating destination dir: %w", err)
	}

	// Step 2: fast path — final file already correct.
	if req.DeclaredSHA256 != "" {
		if ok, err := fileMatchesDigest(req.Destination, req.DeclaredSHA256); err == nil && ok {
			return Outcome{Skipped: true, Duration: time.Since(start)}, nil
		}
	}

	tmpPath := req.Destination + ".tmp"

	timeout := transport.AdaptiveTotalTimeout(req.DeclaredSize, req.RecentFailureRate)
	dlCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := e.download(dlCtx, req, tmpPath, onProgress)
	if err != nil {
		return outcome, err
	}
	outcome.Duration = time.Since(start)
	return outcome, nil
}

func (e *Engine) download(ctx context.Context, req Request, tmpPath string, onProgress func(Progress)) (Outcome, error) {
	// Step 3: resume an existing partial .tmp, or start fresh.
	var resumeFrom int64
	if info, err := os.Stat(tmpPath); err == nil {
		if req.DeclaredSize <= 0 || info.Size() < req.DeclaredSize {
			resumeFrom = info.Size()
		} else {
			_ = os.Remove(tmpPath)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(tmpPath, flags, 0o644)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch: opening temp file: %w", err)
	}
	defer file.Close()

	httpReq, err := transport.NewRequest(ctx, http.MethodGet, req.URL, e.transportCfg)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch: building request: %w", err)
	}
	if resumeFrom > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return Outcome{}, transport.Classify(err, 0, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		_ = os.Remove(tmpPath)
		return Outcome{}, &retriableIntegrityReset{}
	}
	if resp.StatusCode >= 400 {
		retryAfter := transport.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return Outcome{}, transport.Classify(nil, resp.StatusCode, retryAfter)
	}

	hasher := integrity.NewStreamHasher()

	// A 200 on a resume attempt means the server ignored Range (no partial
	// content support observed, or the resource changed); restart clean
	// rather than corrupt the file with a mismatched offset.
	if resumeFrom > 0 && resp.StatusCode != http.StatusPartialContent {
		if err := file.Truncate(0); err != nil {
			return Outcome{}, fmt.Errorf("fetch: truncating stale temp file: %w", err)
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return Outcome{}, fmt.Errorf("fetch: seeking temp file: %w", err)
		}
		resumeFrom = 0
	} else if resumeFrom > 0 {
		// Re-hash the bytes already on disk so the final digest covers the
		// whole file, not just the bytes streamed this attempt.
		if err := hashExisting(hasher, tmpPath, resumeFrom); err != nil {
			return Outcome{}, fmt.Errorf("fetch: re-hashing resumed bytes: %w", err)
		}
	}

	total := req.DeclaredSize
	if total <= 0 {
		total = contentLengthFrom(resp, resumeFrom)
	}

	// Step 4: stream into the temp file, updating the hash as we go.
	written, err := e.stream(ctx, resp.Body, file, hasher, resumeFrom, total, onProgress)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Outcome{}, transport.Classify(err, 0, 0)
		}
		return Outcome{}, transport.Classify(err, 0, 0)
	}

	if err := file.Close(); err != nil {
		return Outcome{}, fmt.Errorf("fetch: closing temp file: %w", err)
	}

	// Step 5: verify.
	computed := hasher.Sum()
	if req.DeclaredSHA256 != "" && !integrity.Compare(computed, req.DeclaredSHA256) {
		qPath, qErr := e.verifier.Quarantine(req.TaskID, tmpPath)
		if qErr != nil {
			return Outcome{}, fmt.Errorf("fetch: quarantining mismatched file: %w", qErr)
		}
		return Outcome{Quarantined: true, QuarantinePath: qPath}, &transport.ClassifiedError{Class: transport.ClassIntegrity, Message: "sha256 mismatch"}
	}

	// Step 6: atomic rename into place.
	if err := os.Rename(tmpPath, req.Destination); err != nil {
		return Outcome{}, fmt.Errorf("fetch: renaming into place: %w", err)
	}

	return Outcome{BytesMoved: written}, nil
}

func (e *Engine) stream(ctx context.Context, body io.Reader, file *os.File, hasher *integrity.StreamHasher, offset, total int64, onProgress func(Progress)) (int64, error) {
	buf := make([]byte, chunkSizeFor(total))
	written := offset
	lastReport := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return written, err
			}
			hasher.Write(buf[:n])
			written += int64(n)
			if onProgress != nil && time.Since(lastReport) > 250*time.Millisecond {
				onProgress(Progress{BytesCompleted: written, BytesTotal: total})
				lastReport = time.Now()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if onProgress != nil {
					onProgress(Progress{BytesCompleted: written, BytesTotal: total})
				}
				return written, nil
			}
			return written, readErr
		}
	}
}

// chunkSizeFor picks a buffer size within [minChunk, maxChunk], scaling up for large files so throughput isn't bottlenecked by
// syscall overhead on a single stream.
func chunkSizeFor(totalSize int64) int {
	switch {
	case totalSize <= 0 || totalSize < 4*1024*1024:
		return minChunk
	case totalSize > 256*1024*1024:
		return maxChunk
	default:
		return 32 * 1024
	}
}

func fileMatchesDigest(path, declaredSHA256 string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, err
	}
	computed, err := integrity.HashFile(path)
	if err != nil {
		return false, err
	}
	return integrity.Compare(computed, declaredSHA256), nil
}

func hashExisting(hasher *integrity.StreamHasher, path string, upTo int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyN(hasher, f, upTo)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

func contentLengthFrom(resp *http.Response, resumeFrom int64) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx != -1 {
			if total, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				return total
			}
		}
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength + resumeFrom
	}
	return 0
}

// retriableIntegrityReset signals the caller (Scheduler) that the resume
// offset was rejected by the server (416) and the task should be retried
// from scratch rather than treated as a terminal failure.
type retriableIntegrityReset struct{}

func (*retriableIntegrityReset) Error() string { return "range not satisfiable, resetting download" }
