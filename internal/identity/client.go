package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Profile is the subset of an identity-provider profile this service needs.
type Profile struct {
	Subject string  `json:"sub"`
	Emails  []Email `json:"emails"`
}

// Email is one address attached to a provider profile.
type Email struct {
	Value   string `json:"value"`
	Primary bool   `json:"primary"`
}

// PrimaryEmail returns the profile's primary email, or the first email when
// none is flagged primary, or "" when the profile carries no email at all.
func (p Profile) PrimaryEmail() string {
	for _, email := range p.Emails {
		if email.Primary && strings.TrimSpace(email.Value) != "" {
			return strings.TrimSpace(email.Value)
		}
	}
	for _, email := range p.Emails {
		if strings.TrimSpace(email.Value) != "" {
			return strings.TrimSpace(email.Value)
		}
	}
	return ""
}

// Client fetches user profiles from the identity provider over HTTP.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewClient constructs an identity provider profile client.
func NewClient(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiToken:   strings.TrimSpace(apiToken),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// FetchProfile returns the provider profile for a subject.
func (c *Client) FetchProfile(ctx context.Context, subject string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/"+subject, nil)
	if err != nil {
		return Profile{}, err
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Profile{}, &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// APIError represents an identity provider error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}
