// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"net/url"
	"regexp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build(zap.Fields(zap.String("service", "listing-warehouse")))
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

const mask = "***"

var secretPairs = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|secret_key|access_key|api_key|apikey|token)(\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s&;,]+)`)

// Redact hides credentials in DSNs, URLs and key=value strings before they are logged.
func Redact(s string) string {
	if u, err := url.Parse(s); err == nil && u.User != nil && u.Scheme != "" {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), mask)
		}
		q := u.Query()
		for key := range q {
			if secretPairs.MatchString(key + "=x") {
				q.Set(key, mask)
			}
		}
		u.RawQuery = q.Encode()
		out, _ := url.PathUnescape(u.String())
		return out
	}
	return secretPairs.ReplaceAllString(s, "${1}${2}"+mask)
}

// Secret is a zap field whose value passes through Redact.
func Secret(key, value string) zap.Field {
	return zap.String(key, Redact(value))
}
