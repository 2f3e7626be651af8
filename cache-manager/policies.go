package cachemanager

import (
	"log/slog"

	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/pkg/utils"
)

// SizeEstimator returns the number of bytes a value is charged against the
// cache's memory budget.
type SizeEstimator func(value any) int

// DefaultSizeEstimator charges the JSON encoded length, the same bytes the
// disk tier would store. Unencodable values cost models.DefaultFallbackSize.
func DefaultSizeEstimator(value any) int {
	return utils.EstimateJSONSize(value)
}

// ApproxSizeEstimator walks the value instead of encoding it. Cheaper for
// large results, less exact.
func ApproxSizeEstimator(value any) int {
	return utils.ApproxSize(value)
}

// safeEstimate runs fn and substitutes the fallback size for a panic or a
// negative result. It never fails.
func safeEstimate(fn SizeEstimator, value any, logger *slog.Logger) (size int) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("size estimator panicked, using fallback size", "panic", r)
			size = models.DefaultFallbackSize
		}
	}()

	size = fn(value)
	if size < 0 {
		size = models.DefaultFallbackSize
	}
	return size
}
