package profile

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/mcdev12/couplet/go/internal/models"
)

const (
	// ProfileServiceName is the fully-qualified name of the profile service
	ProfileServiceName = "couplet.profile.v1.ProfileService"
	// GetMyProfileProcedure is the path of the GetMyProfile RPC
	GetMyProfileProcedure = "/" + ProfileServiceName + "/GetMyProfile"
)

// ErrNotFound is returned by a ProfileApp for unknown users
var ErrNotFound = errors.New("profile not found")

type GetMyProfileRequest struct{}

type GetMyProfileResponse struct {
	Profile models.Player `json:"profile"`
}

// ProfileApp defines what the service layer needs from the profile application
type ProfileApp interface {
	// Authenticate maps a bearer token to a user id
	Authenticate(ctx context.Context, token string) (string, error)
	GetProfile(ctx context.Context, userID string) (models.Player, error)
}

// Service serves GetMyProfile over connect
type Service struct {
	app ProfileApp
}

func NewService(app ProfileApp) *Service {
	return &Service{app: app}
}

// GetMyProfile returns the profile of the authenticated caller
func (s *Service) GetMyProfile(ctx context.Context, req *connect.Request[GetMyProfileRequest]) (*connect.Response[GetMyProfileResponse], error) {
	token := strings.TrimPrefix(req.Header().Get("Authorization"), "Bearer ")
	if token == "" {
		return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("missing bearer token"))
	}

	userID, err := s.app.Authenticate(ctx, token)
	if err != nil {
		return nil, connect.NewError(connect.CodeUnauthenticated, err)
	}

	profile, err := s.app.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewResponse(&GetMyProfileResponse{Profile: profile}), nil
}

// NewProfileServiceHandler returns the mount path and handler for the service
func NewProfileServiceHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
	getMyProfile := connect.NewUnaryHandler(GetMyProfileProcedure, svc.GetMyProfile, opts...)

	return "/" + ProfileServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case GetMyProfileProcedure:
			getMyProfile.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}
