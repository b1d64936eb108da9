// Package utils provides utility functions for the ensemble gateway
package utils

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ensemble-gateway/ensemble/pkg/types"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
}

// NewLogger creates a new logger instance with specified configuration
func NewLogger(config *types.LoggingConfig) *Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	var output io.Writer = os.Stdout
	if config.Output == "stderr" {
		output = os.Stderr
	} else if config.Output != "" && config.Output != "stdout" {
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			logger.WithError(err).Error("Failed to open log file, falling back to stdout")
		} else {
			output = file
		}
	}
	logger.SetOutput(output)

	return &Logger{Logger: logger}
}

// NewTestLogger creates a quiet logger for tests
func NewTestLogger() *Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	logger.SetOutput(io.Discard)
	return &Logger{Logger: logger}
}

// WithRequestID adds request ID to log context
func (l *Logger) WithRequestID(requestID string) *logrus.Entry {
	return l.WithField("request_id", requestID)
}

// WithProvider adds provider information to log context
func (l *Logger) WithProvider(provider string) *logrus.Entry {
	return l.WithField("provider", provider)
}

// WithDuration adds duration to log context
func (l *Logger) WithDuration(duration time.Duration) *logrus.Entry {
	return l.WithField("duration_ms", duration.Milliseconds())
}

// LogProviderCall logs the start of a provider dispatch
func (l *Logger) LogProviderCall(provider, model, requestID string) {
	l.WithFields(logrus.Fields{
		"type":       "provider_call",
		"request_id": requestID,
		"provider":   provider,
		"model":      model,
	}).Info("Provider call started")
}

// LogProviderOutcome logs a completed provider dispatch
func (l *Logger) LogProviderOutcome(provider, requestID string, success bool, duration time.Duration, tokens int) {
	entry := l.WithFields(logrus.Fields{
		"type":        "provider_outcome",
		"request_id":  requestID,
		"provider":    provider,
		"success":     success,
		"duration_ms": duration.Milliseconds(),
		"tokens":      tokens,
	})

	if success {
		entry.Info("Provider call completed")
	} else {
		entry.Warn("Provider call failed")
	}
}

// LogStateChange logs a circuit breaker or health state transition
func (l *Logger) LogStateChange(component, provider, from, to string) {
	l.WithFields(logrus.Fields{
		"type":      "state_change",
		"component": component,
		"provider":  provider,
		"from":      from,
		"to":        to,
	}).Info("State changed")
}

// LogRateLimitExceeded logs rate limit rejections
func (l *Logger) LogRateLimitExceeded(provider string, queueDepth int) {
	l.WithFields(logrus.Fields{
		"type":        "rate_limit_exceeded",
		"provider":    provider,
		"queue_depth": queueDepth,
	}).Warn("Rate limit exceeded")
}

// MaskAPIKey masks an API key for logging (shows only first 8 characters)
func MaskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:8] + "****"
}
