package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatforge/pkg/ai"
)

const defaultWeatherBaseURL = "https://api.open-meteo.com"

// WeatherClient looks up current conditions from the Open-Meteo forecast API.
type WeatherClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewWeatherClient(baseURL string) *WeatherClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultWeatherBaseURL
	}
	return &WeatherClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type weatherArgs struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Tool exposes the lookup as a model tool. The forecast JSON is returned
// verbatim for the model to summarize.
func (c *WeatherClient) Tool() ai.Tool {
	return ai.Tool{
		Name:        "getWeather",
		Description: "Get the current weather at a location",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"latitude": {"type": "number"},
				"longitude": {"type": "number"}
			},
			"required": ["latitude", "longitude"]
		}`),
		Call: func(ctx context.Context, args json.RawMessage) (string, error) {
			var parsed weatherArgs
			if err := json.Unmarshal(args, &parsed); err != nil {
				return "", fmt.Errorf("getWeather args: %w", err)
			}
			return c.Forecast(ctx, parsed.Latitude, parsed.Longitude)
		},
	}
}

func (c *WeatherClient) Forecast(ctx context.Context, latitude, longitude float64) (string, error) {
	query := url.Values{}
	query.Set("latitude", strconv.FormatFloat(latitude, 'f', -1, 64))
	query.Set("longitude", strconv.FormatFloat(longitude, 'f', -1, 64))
	query.Set("current", "temperature_2m")
	query.Set("hourly", "temperature_2m")
	query.Set("daily", "sunrise,sunset")
	query.Set("timezone", "auto")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/forecast?"+query.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather api status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("weather response: %w", err)
	}
	return string(body), nil
}
