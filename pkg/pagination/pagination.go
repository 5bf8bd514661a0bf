// Package pagination implements offset paging for list endpoints. Stores
// are asked for one row more than the page size, so a page knows whether
// another follows without a count query.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Malformed or out-of-range
// values fall back to the defaults rather than failing the request.
func FromContext(c echo.Context) Params {
	p := Params{
		Limit:  queryInt(c, "limit", DefaultLimit),
		Offset: queryInt(c, "offset", 0),
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

func queryInt(c echo.Context, name string, def int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return def
	}
	return v
}

// Fetch is the row count to request from the store: the page plus one look-ahead row.
func (p Params) Fetch() int { return p.Limit + 1 }

type Response[T any] struct {
	Data       []T  `json:"data"`
	Count      int  `json:"count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

// Page trims rows fetched with Fetch down to the page and records whether
// the look-ahead row was present.
func Page[T any](rows []T, p Params) *Response[T] {
	r := &Response[T]{Limit: p.Limit, Offset: p.Offset}
	if len(rows) > p.Limit {
		rows = rows[:p.Limit]
		r.HasMore = true
		next := p.Offset + p.Limit
		r.NextOffset = &next
	}
	if rows == nil {
		rows = []T{}
	}
	r.Data = rows
	r.Count = len(rows)
	return r
}
