package server

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"
)

// =============================================================================
// 1. Logging Middleware (结构化日志)
// =============================================================================

// statusRecorder 记录 handler 写出的状态码
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// LoggingMiddleware 记录每个请求的方法、路径、状态与耗时
func LoggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		log.Log(r.Context(), level, "HTTP Request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int64("bytes", rec.bytes),
			slog.Duration("dur", time.Since(start)),
		)
	})
}

// =============================================================================
// 2. Recovery Middleware
// =============================================================================

// RecoveryMiddleware 捕获 Panic，返回 500 而不是断开连接
func RecoveryMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				log.Error("🔥 PANIC RECOVERED",
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				http.Error(w, "internal server error: panic recovered", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
