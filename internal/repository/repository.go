// Package repository adds argument validation and logging on top of resolved
// storage clients.
package repository

import (
	"github.com/vietddude/reviewradar/internal/core/domain"
)

func validatePositive(name string, v int64) error {
	if v <= 0 {
		return domain.InvalidArgumentf("%s must be positive, got %d", name, v)
	}
	return nil
}
