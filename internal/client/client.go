package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjstillabower/krishi-advisor-service/internal/circuitbreaker"
	"github.com/kjstillabower/krishi-advisor-service/internal/models"
	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
)

// DefaultTimeout bounds a single upstream weather call.
const DefaultTimeout = 5 * time.Second

// WeatherProvider fetches current conditions for a location.
type WeatherProvider interface {
	GetCurrentWeather(ctx context.Context, location string) (models.WeatherReading, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrCircuitOpen      = errors.New("circuit open")
)

type OpenWeatherClient struct {
	apiKey         string
	apiURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	return NewOpenWeatherClientWithRetry(apiKey, apiURL, timeout, 1, 100*time.Millisecond, 2*time.Second)
}

func NewOpenWeatherClientWithRetry(apiKey, apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retryAttempts <= 0 {
		retryAttempts = 1
	}

	return &OpenWeatherClient{
		apiKey:         apiKey,
		apiURL:         apiURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker guards every upstream call with cb. nil disables the breaker.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type openWeatherResponse struct {
	Coord struct {
		Lon float64 `json:"lon"`
		Lat float64 `json:"lat"`
	} `json:"coord"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		TempMin   float64 `json:"temp_min"`
		TempMax   float64 `json:"temp_max"`
		Pressure  int     `json:"pressure"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Visibility int `json:"visibility"` // metres
	Wind       struct {
		Speed float64 `json:"speed"`
		Deg   int     `json:"deg"`
	} `json:"wind"`
	Clouds struct {
		All int `json:"all"`
	} `json:"clouds"`
	Sys struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
	Name string `json:"name"`
}

// GetCurrentWeather fetches the current reading for location. The configured
// timeout bounds the whole call, retries and backoff included.
func (c *OpenWeatherClient) GetCurrentWeather(ctx context.Context, location string) (models.WeatherReading, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return models.WeatherReading{}, fmt.Errorf("request timeout after %d attempts: %w", attempt, lastErr)
			case <-time.After(delay):
			}
		}

		result, err := c.guardedCall(ctx, location)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return models.WeatherReading{}, err
		}
		if ctx.Err() != nil {
			break
		}
	}

	if c.retryAttempts == 1 {
		return models.WeatherReading{}, lastErr
	}
	return models.WeatherReading{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

// guardedCall runs callAPI through the circuit breaker when one is set.
// Location-not-found is a caller problem and does not count against the upstream.
func (c *OpenWeatherClient) guardedCall(ctx context.Context, location string) (models.WeatherReading, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, location)
	}
	var result models.WeatherReading
	var notFound error
	err := c.breaker.Call(ctx, func() error {
		r, err := c.callAPI(ctx, location)
		if errors.Is(err, ErrLocationNotFound) {
			notFound = err
			return nil
		}
		result = r
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return models.WeatherReading{}, fmt.Errorf("%w: weather api", ErrCircuitOpen)
	}
	if notFound != nil {
		return models.WeatherReading{}, notFound
	}
	return result, err
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, location string) (models.WeatherReading, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, location)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.WeatherReading{}, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.WeatherReading{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.WeatherReading{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return models.WeatherReading{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.WeatherReading{}, fmt.Errorf("read response body: %w", err)
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.WeatherReading{}, fmt.Errorf("parse response: %w", err)
	}

	return mapResponse(apiResp, location, time.Now()), nil
}

func (c *OpenWeatherClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded")
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, location string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("q", location)
	params.Set("appid", c.apiKey)
	params.Set("units", "metric")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP 401", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return ErrLocationNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

// mapResponse converts the OpenWeatherMap payload into the standardized reading:
// temperatures rounded to whole degrees, visibility in km to one decimal.
func mapResponse(apiResp openWeatherResponse, location string, now time.Time) models.WeatherReading {
	var conditions, description, icon string
	if len(apiResp.Weather) > 0 {
		conditions = apiResp.Weather[0].Main
		description = apiResp.Weather[0].Description
		icon = apiResp.Weather[0].Icon
	}
	if description == "" {
		description = strings.ToLower(conditions)
	}

	displayName := apiResp.Name
	if displayName == "" {
		displayName = strings.TrimSpace(location)
	}

	return models.WeatherReading{
		Location:    displayName,
		Country:     apiResp.Sys.Country,
		Temperature: math.Round(apiResp.Main.Temp),
		FeelsLike:   math.Round(apiResp.Main.FeelsLike),
		TempMin:     math.Round(apiResp.Main.TempMin),
		TempMax:     math.Round(apiResp.Main.TempMax),
		Humidity:    apiResp.Main.Humidity,
		Pressure:    apiResp.Main.Pressure,
		Conditions:  conditions,
		Description: description,
		Icon:        icon,
		WindSpeed:   apiResp.Wind.Speed,
		WindDeg:     apiResp.Wind.Deg,
		Visibility:  math.Round(float64(apiResp.Visibility)/100) / 10,
		Cloudiness:  apiResp.Clouds.All,
		Lat:         apiResp.Coord.Lat,
		Lon:         apiResp.Coord.Lon,
		Sunrise:     unixOrZero(apiResp.Sys.Sunrise),
		Sunset:      unixOrZero(apiResp.Sys.Sunset),
		Timestamp:   now,
	}
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey probes the upstream with a known city. Used by the health check.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(ctx, "New Delhi")
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
