package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

const upstreamName = "directory"

// User is the directory's view of a candidate assignee.
type User struct {
	ID       string
	Name     string
	Email    string
	TenantID string
	Role     domain.Role
}

// Client looks users up in the external identity service.
type Client interface {
	LookupUser(ctx context.Context, id string) (*User, error)
}

type userResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	TenantID string `json:"tenantId"`
	Role     string `json:"role"`
}

// HTTPClient calls GET {baseURL}/users/{id} with the service credential.
type HTTPClient struct {
	baseURL     string
	token       string
	serviceName string
	timeout     time.Duration
	httpClient  *http.Client
}

// NewHTTPClient builds a client whose every call is bounded by cfg.Timeout.
func NewHTTPClient(cfg config.DirectoryConfig, serviceToken string) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       serviceToken,
		serviceName: cfg.ServiceName,
		timeout:     timeout,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// LookupUser returns AssignmentRejected when the user does not exist and
// UpstreamUnavailable when the directory cannot answer.
func (c *HTTPClient) LookupUser(ctx context.Context, id string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("build directory request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.serviceName != "" {
		req.Header.Set("X-Service-Name", c.serviceName)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewUpstreamUnavailable(upstreamName, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.NewAssignmentRejected("user not found in directory", map[string]any{"user_id": id})
	case resp.StatusCode >= http.StatusInternalServerError:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.NewUpstreamUnavailable(upstreamName,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	default:
		return nil, apperrors.NewAssignmentRejected(
			fmt.Sprintf("directory rejected lookup with status %d", resp.StatusCode),
			map[string]any{"user_id": id, "status": resp.StatusCode})
	}

	var payload userResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, apperrors.NewUpstreamUnavailable(upstreamName, fmt.Errorf("decode response: %w", err))
	}
	user := &User{
		ID:       payload.ID,
		Name:     payload.Name,
		Email:    payload.Email,
		TenantID: payload.TenantID,
	}
	if user.ID == "" {
		user.ID = id
	}
	if role, err := domain.ParseRole(payload.Role); err == nil {
		user.Role = role
	}
	return user, nil
}

// VerifyEligible looks candidateID up and checks it belongs to tenantID with one
// of roles. Every ineligibility is reported as AssignmentRejected.
func VerifyEligible(ctx context.Context, c Client, candidateID, tenantID string, roles ...domain.Role) (*User, error) {
	user, err := c.LookupUser(ctx, candidateID)
	if err != nil {
		var domainErr *apperrors.DomainError
		if errors.As(err, &domainErr) {
			return nil, err
		}
		return nil, apperrors.NewUpstreamUnavailable(upstreamName, err)
	}
	if user.TenantID != tenantID {
		return nil, apperrors.NewAssignmentRejected("candidate does not belong to the ticket's tenant",
			map[string]any{"user_id": candidateID})
	}
	if !user.Role.In(roles...) {
		allowed := make([]string, len(roles))
		for i, r := range roles {
			allowed[i] = string(r)
		}
		return nil, apperrors.NewAssignmentRejected(
			fmt.Sprintf("candidate must hold one of roles: %s", strings.Join(allowed, ", ")),
			map[string]any{"user_id": candidateID, "role": string(user.Role)})
	}
	return user, nil
}
