/*
 *    Copyright 2025 Jeff Galyan
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package waypoint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var idCounter uint64

func randomID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s-%d", time.Now().UTC().Format("20060102150405.000000000"), atomic.AddUint64(&idCounter, 1))
	}
	return hex.EncodeToString(b)
}

// ctxKey namespaces values this package stores on a request's context.
type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// WithRequestID injects a request id into context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestID extracts the request correlation ID from ctx.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRequestID).(string)
	return v, ok
}

// RequestIDStage is a Builder.ModifyPipeline stage that assigns a request
// id (from X-Request-Id if the caller supplied one, else a random one) and
// stores it on the request context ahead of routing.
func RequestIDStage() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = randomID()
			}
			w.Header().Set("X-Request-Id", id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

// statusRecorder captures the status code written through it so Logger can
// report it without cooperation from downstream handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggerConfig configures the Logger pipeline stage.
type LoggerConfig struct {
	// Logger is the slog.Logger used for output. When set, Output and Dir
	// are ignored.
	Logger *slog.Logger

	// Output directs log lines to this writer when Logger is nil.
	Output io.Writer

	// Dir is the directory in which to write a rotating "access.log" (via
	// gopkg.in/natefinch/lumberjack.v2) when Logger and Output are both
	// nil. The directory is created automatically if it does not exist.
	Dir string

	// MaxSizeMB, MaxBackups, and MaxAgeDays bound the rotated access.log
	// files when Dir is used. Defaults: 100 MB, 5 backups, 28 days.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Sanitize enables redaction of sensitive query parameters and headers
	// in log output. nil means no sanitization. Since Logger runs ahead of
	// routing, Sanitize.Params (path parameter names) has no effect here:
	// the stage never sees which path segment binds to which resource
	// parameter, only the literal URL. Redact path-shaped secrets via
	// QueryParams or by keeping them out of the path entirely.
	Sanitize *SanitizeConfig
}

// Logger is a Builder.ModifyPipeline stage providing structured access
// logging with a request id, ahead of routing.
func Logger(cfg LoggerConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	var rotator *lumberjack.Logger
	if logger == nil {
		switch {
		case cfg.Output != nil:
			logger = slog.New(slog.NewTextHandler(cfg.Output, nil))
		case cfg.Dir != "":
			maxSize, maxBackups, maxAge := cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays
			if maxSize <= 0 {
				maxSize = 100
			}
			if maxBackups <= 0 {
				maxBackups = 5
			}
			if maxAge <= 0 {
				maxAge = 28
			}
			rotator = &lumberjack.Logger{
				Filename:   cfg.Dir + "/access.log",
				MaxSize:    maxSize,
				MaxBackups: maxBackups,
				MaxAge:     maxAge,
				Compress:   true,
			}
			logger = slog.New(slog.NewTextHandler(rotator, nil))
		default:
			logger = slog.Default()
		}
	}

	var san *Sanitizer
	if cfg.Sanitize != nil {
		san = NewSanitizer(*cfg.Sanitize)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := RequestID(r.Context())
			if id == "" {
				id = randomID()
			}
			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(rec, r)
			dur := time.Since(start)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			logPath := san.Path(r.URL.Path, nil)
			attrs := []any{
				slog.String("id", id),
				slog.String("method", r.Method),
				slog.String("path", logPath),
				slog.Int("status", status),
				slog.String("duration", dur.String()),
			}
			if rawQuery := san.Query(r.URL.RawQuery); rawQuery != "" {
				attrs = append(attrs, slog.String("query", rawQuery))
			}
			logger.Info("request", attrs...)
		})
	}
}

// OpenLogFile opens or creates a file for appending structured log output.
// The caller is responsible for closing the file when the server shuts down.
//
// Example (file + console):
//
//	f, err := waypoint.OpenLogFile("/var/log/app.log")
//	if err != nil { ... }
//	defer f.Close()
//	b.ModifyPipeline(waypoint.Logger(waypoint.LoggerConfig{
//	    Output: io.MultiWriter(os.Stderr, f),
//	}))
func OpenLogFile(path string) (*os.File, error) {
	safePath := filepath.Clean(path)
	if dir := filepath.Dir(safePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(safePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

// Recover is a Builder.ModifyPipeline stage that catches panics raised
// before routing (e.g. in an earlier stage) and returns 500 instead of
// crashing the connection. Panics raised inside a matched handler are
// already recovered by the per-request pipeline; this stage is a second
// line of defense around the stage chain itself.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", slog.Any("err", rec), slog.String("stack", string(debug.Stack())))
					w.Header().Set("Content-Type", "application/json; charset=utf-8")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Timeout is a Builder.ModifyPipeline stage that bounds the request
// context's lifetime. It does not itself abort a running handler — Go has
// no preemption hook for that — but handlers that honor ctx.Done() (e.g.
// database calls through Request.Context()) unwind promptly.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d > 0 {
				ctx, cancel := context.WithTimeout(r.Context(), d)
				defer cancel()
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}
