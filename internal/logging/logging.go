package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var (
	mu      sync.Mutex
	logFile *os.File
	output  io.Writer = os.Stderr
)

// maxInlineData caps how much of an inline base64 payload is echoed to the log.
const maxInlineData = 32

var (
	dataURIPattern = regexp.MustCompile(`data:([a-zA-Z0-9/+.-]+);base64,([A-Za-z0-9+/=]+)`)
	bearerPattern  = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9_\-.]{6,})`)
	keyPattern     = regexp.MustCompile(`\b(?:sk-[A-Za-z0-9_\-*]{4,}|AIza[0-9A-Za-z_\-]{20,})`)
	secretPattern  = regexp.MustCompile(`(?i)("?(?:api[_-]?key|x-goog-api-key|authorization)"?\s*[:=]\s*"?)([A-Za-z0-9_\-.]{6,})`)
)

// Init routes the standard logger to stdout and, when logPath is set, to
// that file as well.
func Init(logPath string) error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if logPath != "" {
		if dir := filepath.Dir(logPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		logFile = file
		writers = append(writers, logFile)
	}

	output = io.MultiWriter(writers...)
	log.SetOutput(output)
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	output = os.Stderr
	log.SetOutput(os.Stderr)
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// Writer returns the destination Init configured, for components (such as
// the HTTP access log) that write lines themselves.
func Writer() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return output
}

func LogEvent(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Println(Redact(msg))
}

func LogRequest(direction, host, model, tool string, payload any) {
	msg := buildRequestMessage(direction, host, model, tool, payload)
	log.Println(msg)
}

// Redact shortens inline base64 image data and masks credentials.
func Redact(s string) string {
	s = dataURIPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := dataURIPattern.FindStringSubmatch(m)
		data := parts[2]
		if len(data) <= maxInlineData {
			return m
		}
		return fmt.Sprintf("data:%s;base64,%s...(%d bytes)", parts[1], data[:maxInlineData], len(data))
	})
	s = keyPattern.ReplaceAllString(s, "[REDACTED]")
	s = bearerPattern.ReplaceAllString(s, "${1}[REDACTED]")
	return secretPattern.ReplaceAllString(s, "${1}[REDACTED]")
}

func buildRequestMessage(direction, host, model, tool string, payload any) string {
	dir := strings.TrimSpace(direction)
	if dir != "" {
		dir = strings.ToUpper(dir)
	}
	hostValue := strings.TrimSpace(host)
	if hostValue == "" {
		hostValue = "unknown"
	}
	modelValue := strings.TrimSpace(model)
	if modelValue == "" {
		modelValue = "unknown"
	}
	parts := []string{fmt.Sprintf("[%s]", dir)}
	parts = append(parts, fmt.Sprintf("host=%s", hostValue))
	parts = append(parts, fmt.Sprintf("model=%s", modelValue))
	if tool = strings.TrimSpace(tool); tool != "" {
		parts = append(parts, fmt.Sprintf("op=%s", tool))
	}
	parts = append(parts, fmt.Sprintf("payload=%s", Redact(formatPayload(payload))))
	return strings.Join(parts, " ")
}

func formatPayload(payload any) string {
	switch v := payload.(type) {
	case nil:
		return "null"
	case string:
		if strings.TrimSpace(v) == "" {
			return `""`
		}
		return v
	case []byte:
		if len(v) == 0 {
			return "[]"
		}
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		var b strings.Builder
		enc := json.NewEncoder(&b)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return fmt.Sprintf("%v", v)
		}
		return strings.TrimRight(b.String(), "\n")
	}
}
