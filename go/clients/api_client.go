package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// API Endpoints
	UnseenInteractionsEndpoint = "/interactions/unseen"
	RecentActivitiesEndpoint   = "/activities/recent"
	PartnerStatusEndpoint      = "/partner/status"
	PartnerMoodEndpoint        = "/partner/mood"
	VentMessagesEndpoint       = "/messages/vent"
	SweetMessagesEndpoint      = "/messages/sweet"
	ReceivedGiftsEndpoint      = "/gifts/received"
	UnreadCountsEndpoint       = "/messages/unread-counts"
)

// APIClient talks to the couples REST API that backs the read cache
type APIClient struct {
	*BaseClient
}

func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	client := &APIClient{
		BaseClient: NewBaseClient(baseURL),
	}

	client.SetHeader("Accept", "application/json")
	if token != "" {
		client.SetHeader("Authorization", "Bearer "+token)
	}
	if timeout > 0 {
		client.SetTimeout(timeout)
	}

	return client
}

// GetDocument fetches an endpoint and returns its body as raw JSON
func (c *APIClient) GetDocument(ctx context.Context, endpoint string) (json.RawMessage, error) {
	body, err := c.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", endpoint, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("failed to get %s: response is not JSON", endpoint)
	}
	return json.RawMessage(body), nil
}

// GetList fetches an endpoint whose body is a JSON array
func (c *APIClient) GetList(ctx context.Context, endpoint string) ([]json.RawMessage, error) {
	body, err := c.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", endpoint, err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", endpoint, err)
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}
