package fetch

import (
	"strconv"

	"github.com/Ramsey-B/clover/pkg/expressions"
)

// Strategy carries pagination state across the pages of one sequence.
// Apply writes the current position into the request; Advance consumes a fetched page and
// reports whether another page should be requested.
type Strategy interface {
	Apply(req *Request)
	Advance(page *Page) bool
}

// OffsetStrategy pages with skip/limit. It stops on a short page or once skip reaches the total.
type OffsetStrategy struct {
	SkipParam  string
	LimitParam string
	Limit      int

	skip int
}

func NewOffsetStrategy(limit int) *OffsetStrategy {
	return &OffsetStrategy{SkipParam: "skip", LimitParam: "limit", Limit: limit}
}

func (s *OffsetStrategy) Apply(req *Request) {
	req.Query.Set(s.SkipParam, strconv.Itoa(s.skip))
	req.Query.Set(s.LimitParam, strconv.Itoa(s.Limit))
}

func (s *OffsetStrategy) Advance(page *Page) bool {
	returned := len(page.Items)
	s.skip += returned
	if returned == 0 || returned < s.Limit {
		return false
	}
	if page.Total > 0 && s.skip >= page.Total {
		return false
	}
	return true
}

// PageStrategy pages with page/pageLimit and an explicit descending sort so repeated runs are stable.
// POST requests carry the fields in the JSON body, others in the query string.
type PageStrategy struct {
	Limit     int
	SortField string

	page int
	seen int
}

func NewPageStrategy(limit int) *PageStrategy {
	return &PageStrategy{Limit: limit, SortField: "dateUpdated", page: 1}
}

// StartAt positions the strategy on a 1-based page before the first request.
func (s *PageStrategy) StartAt(page int) {
	s.page = max(page, 1)
	s.seen = (s.page - 1) * s.Limit
}

func (s *PageStrategy) Apply(req *Request) {
	if s.page == 0 {
		s.page = 1
	}
	if req.Body != nil {
		req.Body["page"] = s.page
		req.Body["pageLimit"] = s.Limit
		req.Body["sort"] = []map[string]string{{"field": s.SortField, "direction": "desc"}}
		return
	}
	req.Query.Set("page", strconv.Itoa(s.page))
	req.Query.Set("pageLimit", strconv.Itoa(s.Limit))
	req.Query.Set("sortBy", s.SortField)
	req.Query.Set("order", "desc")
}

func (s *PageStrategy) Advance(page *Page) bool {
	returned := len(page.Items)
	s.seen += returned
	s.page++
	if returned == 0 || returned < s.Limit {
		return false
	}
	if page.Total > 0 && s.seen >= page.Total {
		return false
	}
	return true
}

// CursorStrategy carries the id of the last item of the previous page. It stops when the
// provider's next-page flag is false or a page comes back empty.
type CursorStrategy struct {
	Param  string
	IDPath string
	Limit  int

	cursor string
	eval   *expressions.Evaluator
}

func NewCursorStrategy(param string, limit int) *CursorStrategy {
	return &CursorStrategy{Param: param, IDPath: "id", Limit: limit, eval: expressions.NewEvaluator()}
}

func (s *CursorStrategy) Apply(req *Request) {
	if s.Limit > 0 {
		req.Query.Set("limit", strconv.Itoa(s.Limit))
	}
	if s.cursor != "" {
		req.Query.Set(s.Param, s.cursor)
	}
}

func (s *CursorStrategy) Advance(page *Page) bool {
	if len(page.Items) == 0 || !page.HasNext {
		return false
	}
	if s.eval == nil {
		s.eval = expressions.NewEvaluator()
	}
	cursor, err := s.eval.EvaluateString(s.IDPath, page.Items[len(page.Items)-1])
	if err != nil || cursor == "" || cursor == s.cursor {
		return false
	}
	s.cursor = cursor
	return true
}
