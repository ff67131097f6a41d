package matching

// Scores for body criteria.
const (
	ScoreBodyEquals   = 25
	ScoreBodyPattern  = 22
	ScoreBodyContains = 20
)

// Scores for URL and path criteria.
const (
	ScorePathExact       = 15
	ScorePathNamedParams = 12
	ScorePathWildcard    = 10
	ScoreURLGlob         = 8
)

// Scores for method, header and query criteria.
const (
	ScoreMethod     = 10
	ScoreHeader     = 10
	ScoreQueryParam = 5
)

// ScoreJSONPathCondition is added per matched JSONPath condition.
const ScoreJSONPathCondition = 15
