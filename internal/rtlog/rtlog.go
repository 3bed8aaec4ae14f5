// Package rtlog is the process-wide line logger: timestamp-prefixed
// lines with Info/Warning/Error verbs, plus Debug and Request verbs
// gated by the LOG_DEBUG / LOG_REQUESTS environment flags.
package rtlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var mu sync.Mutex

func timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

func logLine(prefix string, msg string) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("[%s] %s %s\n", timestamp(), prefix, msg)
}

// Info logs a plain informational line.
func Info(msg string) {
	logLine("[INFO]", msg)
}

// Infof logs a formatted informational line.
func Infof(format string, args ...any) {
	Info(fmt.Sprintf(format, args...))
}

// Warning logs a warning line.
func Warning(msg string) {
	logLine("[WARNING]", msg)
}

// Warningf logs a formatted warning line.
func Warningf(format string, args ...any) {
	Warning(fmt.Sprintf(format, args...))
}

// Error logs an error value.
func Error(err error) {
	if err == nil {
		return
	}
	logLine("[ERROR]", err.Error())
}

// Errorf logs a formatted error line.
func Errorf(format string, args ...any) {
	logLine("[ERROR]", fmt.Sprintf(format, args...))
}

// Request logs an inbound connection/request line, gated by LOG_REQUESTS.
func Request(msg string) {
	if os.Getenv("LOG_REQUESTS") == "NO" {
		return
	}
	logLine("[REQUEST]", msg)
}

// Debug logs a debug line, gated by LOG_DEBUG.
func Debug(msg string) {
	if os.Getenv("LOG_DEBUG") != "YES" {
		return
	}
	logLine("[DEBUG]", msg)
}

// Debugf logs a formatted debug line, gated by LOG_DEBUG.
func Debugf(format string, args ...any) {
	Debug(fmt.Sprintf(format, args...))
}

// DebugSession logs a debug line scoped to a connection, identified by
// session id and remote IP.
func DebugSession(sessionID uint64, ip string, msg string) {
	if os.Getenv("LOG_DEBUG") != "YES" {
		return
	}
	logLine("[DEBUG]", fmt.Sprintf("[Session #%d] [%s] %s", sessionID, ip, msg))
}
