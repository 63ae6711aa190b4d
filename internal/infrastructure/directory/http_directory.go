package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"callnet/internal/core/domain"
)

// HTTPDirectory resolves users against the account service's REST API.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
	logger  *zap.SugaredLogger
}

func NewHTTPDirectory(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type userResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
}

func (d *HTTPDirectory) User(ctx context.Context, id domain.UserID) (*domain.User, error) {
	url := fmt.Sprintf("%s/api/v1/users/%s", d.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build directory request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrUserNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var body userResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode directory response: %w", err)
	}

	return &domain.User{
		ID:        domain.UserID(body.ID),
		Username:  body.Username,
		FullName:  body.FullName,
		AvatarURL: body.AvatarURL,
	}, nil
}
