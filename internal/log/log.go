// Package log provides the enclave worker's process-wide structured
// logger: a JSON-handler slog.Logger singleton built once and shared.
package log

import (
	"log"
	"log/slog"
	"os"
	"sync"

	"github.com/ats-kms/enclave/internal/env"
)

var (
	logger      *slog.Logger
	loggerMutex sync.Mutex
)

// Log returns the process-wide JSON logger, building it on first call
// from the level configured in internal/env.
func Log() *slog.Logger {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	if logger != nil {
		return logger
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: env.LogLevel()})
	logger = slog.New(handler)
	return logger
}

// Fatal logs msg and exits the process with status 1.
func Fatal(msg string) {
	log.Fatal(msg)
}

// FatalF logs a formatted message and exits the process with status 1.
func FatalF(format string, args ...any) {
	log.Fatalf(format, args...)
}
