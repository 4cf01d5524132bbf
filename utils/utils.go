package utils

import (
	"math"
	"strconv"
)

// Pagination represents the pagination details.
type Pagination struct {
	TotalItems  int `json:"totalItems"`
	CurrentPage int `json:"currentPage"`
	PageSize    int `json:"pageSize"`
	TotalPages  int `json:"totalPages"`
}

const maxPageSize = 100

// CreatePagination creates a Pagination object.
func CreatePagination(totalItems, page, pageSize int) *Pagination {
	page, pageSize = normalisePage(page, pageSize)
	totalPages := int(math.Ceil(float64(totalItems) / float64(pageSize)))

	return &Pagination{
		TotalItems:  totalItems,
		CurrentPage: page,
		PageSize:    pageSize,
		TotalPages:  totalPages,
	}
}

// PageBounds parses page/page_size query values and returns limit and offset.
func PageBounds(pageStr, sizeStr string) (page, size, limit, offset int) {
	page, _ = strconv.Atoi(pageStr)
	size, _ = strconv.Atoi(sizeStr)
	page, size = normalisePage(page, size)
	return page, size, size, (page - 1) * size
}

func normalisePage(page, pageSize int) (int, int) {
	if pageSize <= 0 {
		pageSize = 10 // Default page size
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if page <= 0 {
		page = 1 // Default page
	}
	return page, pageSize
}
