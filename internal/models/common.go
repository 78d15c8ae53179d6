package models

// APIResponse is the envelope every backend endpoint answers with.
type APIResponse[T any] struct {
	Result  T      `json:"result" validate:"required"`
	Message string `json:"message,omitempty"`
}

// Page is a single page of a filtered list.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// ListQuery carries the tab filter, free-text search and page index of a list view.
type ListQuery struct {
	Tab      string
	Search   string
	Page     int
	PageSize int
}

// Normalize fills the paging defaults.
func (q ListQuery) Normalize() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 20
	}
	return q
}

// CountResult is returned by the count endpoints.
type CountResult struct {
	Total int `json:"total"`
}
