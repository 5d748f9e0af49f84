package cache

import (
	"context"
	"encoding/json"
)

// DocumentGetter is what the HTTP fetcher needs from the REST client
type DocumentGetter interface {
	GetDocument(ctx context.Context, endpoint string) (json.RawMessage, error)
	GetList(ctx context.Context, endpoint string) ([]json.RawMessage, error)
}

// HTTPFetcher loads one key from one REST endpoint. List keys decode into
// []json.RawMessage so Prepend can operate on them.
type HTTPFetcher struct {
	client   DocumentGetter
	endpoint string
	list     bool
}

func NewHTTPFetcher(client DocumentGetter, endpoint string, list bool) *HTTPFetcher {
	return &HTTPFetcher{client: client, endpoint: endpoint, list: list}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (interface{}, error) {
	if f.list {
		return f.client.GetList(ctx, f.endpoint)
	}
	return f.client.GetDocument(ctx, f.endpoint)
}

// Endpoint describes where a key is loaded from
type Endpoint struct {
	Path string
	List bool
}

// RegisterHTTPFetchers wires a fetcher for every key in endpoints
func RegisterHTTPFetchers(s *Store, client DocumentGetter, endpoints map[Key]Endpoint) {
	for key, ep := range endpoints {
		s.RegisterFetcher(key, NewHTTPFetcher(client, ep.Path, ep.List))
	}
}
