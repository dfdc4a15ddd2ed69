package db

// FilterOp is a comparison operator in a query filter.
type FilterOp string

const (
	Equal          FilterOp = "="
	Less           FilterOp = "<"
	LessOrEqual    FilterOp = "<="
	Greater        FilterOp = ">"
	GreaterOrEqual FilterOp = ">="
)

// SortDirection orders query results.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// Filter constrains a query to entities whose property compares true
// against Value. Property may be a dotted path into sub-records. An Equal
// filter on a list-valued property matches if any element matches.
type Filter struct {
	Property string
	Op       FilterOp
	Value    any
}

// Order sorts query results by a property path.
type Order struct {
	Property  string
	Direction SortDirection
}

// Query describes a secondary-index query over one kind. Adapters serve it
// from eventually-consistent indexes; only point Gets inside a transaction
// are strongly consistent.
type Query struct {
	Kind     string
	Ancestor *Key
	Filters  []Filter
	Orders   []Order
	Limit    int
	Cursor   string
}

// NewQuery returns a query over the given kind.
func NewQuery(kind string) *Query {
	return &Query{Kind: kind}
}

// Filter appends a property filter and returns the query.
func (q *Query) Filter(property string, op FilterOp, value any) *Query {
	q.Filters = append(q.Filters, Filter{Property: property, Op: op, Value: value})
	return q
}

// Order appends a sort order and returns the query.
func (q *Query) Order(property string, direction SortDirection) *Query {
	q.Orders = append(q.Orders, Order{Property: property, Direction: direction})
	return q
}

// WithAncestor restricts the query to one entity group.
func (q *Query) WithAncestor(key *Key) *Query {
	q.Ancestor = key
	return q
}

// WithLimit bounds the number of returned entities (0 = no bound).
func (q *Query) WithLimit(limit int) *Query {
	q.Limit = limit
	return q
}

// WithCursor resumes the query at an adapter-issued cursor.
func (q *Query) WithCursor(cursor string) *Query {
	q.Cursor = cursor
	return q
}

// Clone returns an independent copy of the query description.
func (q *Query) Clone() *Query {
	out := *q
	out.Filters = append([]Filter(nil), q.Filters...)
	out.Orders = append([]Order(nil), q.Orders...)
	return &out
}

// QueryResult is one page of query results.
type QueryResult struct {
	// Entities are the matched entities in query order.
	Entities []*Entity

	// Cursor resumes the query after the last returned entity. Empty when
	// the result set is exhausted.
	Cursor string
}
