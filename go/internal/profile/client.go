package profile

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"

	"github.com/mcdev12/couplet/go/internal/models"
)

// Client fetches the signed-in user's profile snapshot
type Client struct {
	getMyProfile *connect.Client[GetMyProfileRequest, GetMyProfileResponse]
	token        string
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	httpClient := &http.Client{Timeout: timeout}
	return &Client{
		getMyProfile: connect.NewClient[GetMyProfileRequest, GetMyProfileResponse](
			httpClient,
			strings.TrimRight(baseURL, "/")+GetMyProfileProcedure,
			connect.WithCodec(jsonCodec{}),
		),
		token: token,
	}
}

// FetchProfile implements invite.ProfileFetcher
func (c *Client) FetchProfile(ctx context.Context) (models.Player, error) {
	req := connect.NewRequest(&GetMyProfileRequest{})
	req.Header().Set("Authorization", "Bearer "+c.token)

	res, err := c.getMyProfile.CallUnary(ctx, req)
	if err != nil {
		return models.Player{}, fmt.Errorf("get my profile: %w", err)
	}
	return res.Msg.Profile, nil
}
