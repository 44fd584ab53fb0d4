package api

import (
	"net/http"
	"strconv"
)

// PaginationParams holds parsed pagination values from query params.
type PaginationParams struct {
	Page   int
	Limit  int
	Offset int
}

// PaginatedResponse wraps a page of list data. The job table is append
// heavy, so there is no total count; HasMore is set when the page is full.
type PaginatedResponse struct {
	Data    interface{} `json:"data"`
	Page    int         `json:"page"`
	Limit   int         `json:"limit"`
	HasMore bool        `json:"has_more"`
}

// ParsePagination extracts page and limit from query params with defaults.
// maxLimit caps the page size.
func ParsePagination(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	return PaginationParams{
		Page:   page,
		Limit:  limit,
		Offset: (page - 1) * limit,
	}
}

func newPaginatedResponse(data interface{}, n int, p PaginationParams) PaginatedResponse {
	return PaginatedResponse{Data: data, Page: p.Page, Limit: p.Limit, HasMore: n == p.Limit}
}
