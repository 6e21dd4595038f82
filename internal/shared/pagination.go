package shared

import "math"

const (
	// DefaultPageSize applies when a listing request names no limit.
	DefaultPageSize = 20
	// MaxPageSize caps how many expenses a single listing page returns.
	MaxPageSize = 100
)

// Pagination describes one page of a listing response.
type Pagination struct {
	Page       int
	PerPage    int
	Total      int
	TotalPages int
}

// ClampPageSize normalizes a requested limit into the allowed range.
func ClampPageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// PaginationFromOffset derives page metadata from the limit/offset pair the
// listing endpoints accept on the wire.
func PaginationFromOffset(limit, offset, total int) Pagination {
	limit = ClampPageSize(limit)
	if offset < 0 {
		offset = 0
	}
	return Pagination{
		Page:       offset/limit + 1,
		PerPage:    limit,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(limit))),
	}
}
