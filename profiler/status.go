package profiler

import (
	"errors"
	"strings"
	"unicode/utf8"

	"profiler_api/internal/llm"
)

const maxErrorMessage = 500

// Classification is what the status tracker writes onto an aggregator record
// after a failed run.
type Classification struct {
	Status    string
	ErrorType string
	Message   string
}

// Classify maps a run failure onto rate_limited, failed/timeout or
// failed/<error type>.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Status: StatusFailed, ErrorType: "internal_error"}
	}
	msg := truncateError(err.Error())
	switch llm.KindOf(err) {
	case llm.KindRateLimited:
		return Classification{Status: StatusRateLimited, ErrorType: "rate_limit", Message: msg}
	case llm.KindTimeout:
		return Classification{Status: StatusFailed, ErrorType: "timeout", Message: msg}
	}
	return Classification{Status: StatusFailed, ErrorType: errorTypeName(err), Message: msg}
}

func errorTypeName(err error) string {
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) {
		if name := strings.TrimSpace(typed.ErrorType()); name != "" {
			return name
		}
	}
	return "internal_error"
}

func truncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	if utf8.RuneCountInString(msg) > maxErrorMessage {
		return string([]rune(msg)[:maxErrorMessage])
	}
	return msg
}
