package engram

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/engramdb/engram/pkg/rollout"
	"github.com/engramdb/engram/pkg/store"
)

// Error type constants for classification.
const (
	ErrTypeValidation     = "validation"
	ErrTypeNotFound       = "not_found"
	ErrTypeSchemaMissing  = "schema_missing"
	ErrTypeStorage        = "storage"
	ErrTypeClassification = "classification"
	ErrTypeRollout        = "rollout"
	ErrTypeTimeout        = "timeout"
	ErrTypeNetwork        = "network"
	ErrTypeUnknown        = "unknown"
)

// ClassifyError inspects an error and returns its type classification.
// This enables grouping errors by category in metrics and traces.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, store.ErrSchemaMissing):
		return ErrTypeSchemaMissing
	case errors.Is(err, store.ErrNotFound):
		return ErrTypeNotFound
	case errors.Is(err, rollout.ErrVersionConflict):
		return ErrTypeRollout
	}

	errStrLower := strings.ToLower(err.Error())

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStrLower, "timeout") || strings.Contains(errStrLower, "deadline exceeded") {
		return ErrTypeTimeout
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return ErrTypeNetwork
	}
	if strings.Contains(errStrLower, "connection refused") ||
		strings.Contains(errStrLower, "connection reset") ||
		strings.Contains(errStrLower, "no such host") ||
		strings.Contains(errStrLower, "network is unreachable") ||
		strings.Contains(errStrLower, "dial tcp") {
		return ErrTypeNetwork
	}

	if strings.Contains(errStrLower, "classif") ||
		strings.Contains(errStrLower, "extract") ||
		strings.Contains(errStrLower, "embedding") ||
		strings.Contains(errStrLower, "api error") ||
		strings.Contains(errStrLower, "rate limit") {
		return ErrTypeClassification
	}

	if strings.Contains(errStrLower, "rollout") {
		return ErrTypeRollout
	}

	if strings.Contains(errStrLower, "sql") ||
		strings.Contains(errStrLower, "database") ||
		strings.Contains(errStrLower, "constraint") ||
		strings.Contains(errStrLower, "transaction") {
		return ErrTypeStorage
	}

	if strings.Contains(errStrLower, "invalid") ||
		strings.Contains(errStrLower, "required") ||
		strings.Contains(errStrLower, "cannot be empty") ||
		strings.Contains(errStrLower, "must be") {
		return ErrTypeValidation
	}

	return ErrTypeUnknown
}
