package models

// SortOrder selects how query results are ordered.
type SortOrder string

const (
	SortNewestFirst SortOrder = "newest_first"
	SortOldestFirst SortOrder = "oldest_first"
	SortRelevance   SortOrder = "relevance"
)

// VectorMetric selects the similarity function used for vector search.
type VectorMetric string

const (
	MetricCosine    VectorMetric = "cosine"
	MetricEuclidean VectorMetric = "euclidean"
	MetricDot       VectorMetric = "dot"
)

// VectorQuery configures the vector-search leg of a Query.
type VectorQuery struct {
	// Text is embedded on the fly if Vec is not already supplied.
	Text string
	Vec  []float32

	K         int
	MinScore  float32
	Metric    VectorMetric
}

// TimeRange bounds created_at, either side optional (nil = unbounded).
type TimeRange struct {
	From *int64
	To   *int64
}

// Query describes a Block Store search. The engine applies scope, then
// scalar filters, then keyword/vector relevance, then sort and limit.
type Query struct {
	UserID    string
	SessionID string

	Kinds []BlockKind // empty = all

	ContentContains string // keyword substring filter

	CreatedRange *TimeRange

	Tags []string // match requires ALL

	Vector *VectorQuery

	Limit int
	Sort  SortOrder
}

// SearchResult pairs a Block with the relevance score computed for it.
type SearchResult struct {
	Block     *Block  `json:"block"`
	Relevance float32 `json:"relevance"`
}
