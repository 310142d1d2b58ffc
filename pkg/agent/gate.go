package agent

// DefaultMaxRetrievals caps retrieval cycles per turn when the caller does not choose a value
const DefaultMaxRetrievals = 3

// ShouldRetrieve reports whether the loop runs another retrieval cycle. It is the only
// guard on the loop: once retrievalCount reaches maxRetrievals it returns false whatever the
// model claims.
func ShouldRetrieve(needMoreContext bool, retrievalCount, maxRetrievals int) bool {
	return needMoreContext && retrievalCount < maxRetrievals
}
