// Package search abstracts the external search API that turns queries
// into candidate URLs. The pipeline only needs dereferenceable URLs with
// optional titles; the provider's exact request shape is pluggable.
package search

import "context"

// ResultType selects which vertical a search runs against.
type ResultType string

const (
	ResultWeb      ResultType = "web"
	ResultNews     ResultType = "news"
	ResultPlaces   ResultType = "places"
	ResultImages   ResultType = "images"
	ResultShopping ResultType = "shopping"
)

// Result is one search hit.
type Result struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Options narrow a search; zero values mean provider defaults.
type Options struct {
	Country    string
	Language   string
	ResultType ResultType
}

// Provider turns a query into candidate URLs. Implementations must
// tolerate empty and malformed provider responses gracefully (log and
// return empty rather than error); errors are reserved for transport,
// auth, and rate-limit failures, which are operator-facing.
type Provider interface {
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}
