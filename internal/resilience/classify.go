package resilience

import "strings"

// Category buckets an error by its likely cause.
type Category string

const (
	CategoryRateLimit Category = "rate_limit"
	CategoryTimeout   Category = "timeout"
	CategoryNetwork   Category = "network"
	CategoryServer    Category = "server"
	CategoryClient    Category = "client"
	CategoryUnknown   Category = "unknown"
)

// Classification is the result of categorizing an error.
type Classification struct {
	Category          Category
	Retryable         bool
	RecommendedAction string
}

var rateLimitKeywords = []string{
	"429", "too many requests", "rate limit", "rate_limit",
	"resource exhausted", "resource_exhausted", "quota",
}

var serverKeywords = []string{
	"500", "502", "503", "504",
	"internal server error", "bad gateway", "service unavailable",
}

var clientKeywords = []string{
	"400", "401", "403", "404", "409", "422",
	"bad request", "unauthorized", "forbidden", "not found",
	"invalid", "validation",
}

var timeoutKeywords = []string{"timeout", "timed out", "deadline exceeded"}

var networkKeywords = []string{
	"connection reset", "econnreset", "connection refused",
	"no such host", "dns", "network", "broken pipe", "eof",
}

// Classify maps an error to a category, a retryable flag, and a
// recommended action. Rate limits win first; explicit HTTP status codes
// are checked before generic timeout/network keywords so a
// "400 Bad Request: upstream timeout" still classifies as client.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Retryable: false, RecommendedAction: "none"}
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, rateLimitKeywords):
		return Classification{Category: CategoryRateLimit, Retryable: true, RecommendedAction: "backoff_and_retry"}
	case containsAny(msg, serverKeywords):
		return Classification{Category: CategoryServer, Retryable: true, RecommendedAction: "retry"}
	case containsAny(msg, clientKeywords):
		return Classification{Category: CategoryClient, Retryable: false, RecommendedAction: "fix_request"}
	case containsAny(msg, timeoutKeywords):
		return Classification{Category: CategoryTimeout, Retryable: true, RecommendedAction: "retry"}
	case containsAny(msg, networkKeywords):
		return Classification{Category: CategoryNetwork, Retryable: true, RecommendedAction: "retry"}
	}
	return Classification{Category: CategoryUnknown, Retryable: false, RecommendedAction: "investigate"}
}

func containsAny(msg string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}
