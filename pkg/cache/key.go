package cache

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// KeyPrefix prefixes every cache key written by this package.
const KeyPrefix = "pager"

// Key identifies one cached response.
type Key struct {
	// Namespace separates APIs sharing one Redis, usually the API host.
	Namespace string

	// Endpoint is the request path, e.g. "/v1/orders".
	Endpoint string

	Query url.Values
}

// PageKey returns the key for one page of an endpoint.
func PageKey(namespace, endpoint string, page, pageSize int) Key {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if pageSize > 0 {
		q.Set("per_page", strconv.Itoa(pageSize))
	}
	return Key{Namespace: namespace, Endpoint: endpoint, Query: q}
}

// String generates a deterministic key.
//
//	pager:api.example.com:v1/orders:page=3:per_page=20
func (k Key) String() string {
	parts := []string{KeyPrefix}
	if k.Namespace != "" {
		parts = append(parts, k.Namespace)
	}
	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		parts = append(parts, endpoint)
	}

	names := make([]string, 0, len(k.Query))
	for name := range k.Query {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, k.Query.Get(name)))
	}

	return strings.Join(parts, ":")
}

// EndpointPattern matches every cached page of an endpoint, for SCAN.
func EndpointPattern(namespace, endpoint string) string {
	return Key{Namespace: namespace, Endpoint: endpoint}.String() + ":*"
}
