package logger

import (
	"io"
	"regexp"
	"sync"
)

// Redactor scrubs provider keys and shared secrets from log lines.
// Patterns with a capture group keep the group as a label, so
// "secret=hunter2" becomes "secret=[REDACTED]".
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the built-in key and secret patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Provider API keys
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			regexp.MustCompile(`(Bearer\s+)[a-zA-Z0-9._-]+`),

			regexp.MustCompile(`((?:password|pwd)["\s:=]+)[^\s"]+`),
			regexp.MustCompile(`(token["\s:=]+)[a-zA-Z0-9._-]{20,}`),
			// Config keys and the gateway secret in query strings
			regexp.MustCompile(`((?:api_key|shared_secret|secret)["\s:=]+)[^\s",}&]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, re)
	r.mu.Unlock()
	return nil
}

// AddSecret redacts every literal occurrence of value, such as a configured
// provider key that matches no built-in pattern. Short values are ignored so
// that common words are not scrubbed.
func (r *Redactor) AddSecret(value string) {
	if len(value) < minSecretLen {
		return
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, regexp.MustCompile(regexp.QuoteMeta(value)))
	r.mu.Unlock()
}

const minSecretLen = 6

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := s
	for _, pattern := range r.patterns {
		if pattern.NumSubexp() > 0 {
			result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
			continue
		}
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	return w.writer.Write([]byte(redacted))
}
