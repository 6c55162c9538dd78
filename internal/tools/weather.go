// Package tools holds the built-in tool implementations and their
// registry descriptors: data fetchers, the deterministic numeric
// computer, registry diagnostics, and the reasoning tool backed by the
// model client.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/smithrun/smith/internal/registry"
)

const (
	defaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL  = "https://api.open-meteo.com/v1/forecast"
)

// wmoConditions maps WMO weather interpretation codes to text.
var wmoConditions = map[int]string{
	0:  "Clear sky",
	1:  "Mainly clear",
	2:  "Partly cloudy",
	3:  "Overcast",
	45: "Fog",
	48: "Depositing rime fog",
	51: "Light drizzle",
	53: "Moderate drizzle",
	55: "Dense drizzle",
	61: "Slight rain",
	63: "Moderate rain",
	65: "Heavy rain",
	71: "Slight snow",
	73: "Moderate snow",
	75: "Heavy snow",
	80: "Rain showers",
	81: "Moderate rain showers",
	82: "Violent rain showers",
	95: "Thunderstorm",
	96: "Thunderstorm with slight hail",
	99: "Thunderstorm with heavy hail",
}

// Weather fetches current conditions from open-meteo. No API key is
// required.
type Weather struct {
	Client       *http.Client
	GeocodingURL string
	ForecastURL  string
}

func NewWeather(client *http.Client) *Weather {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Weather{
		Client:       client,
		GeocodingURL: defaultGeocodingURL,
		ForecastURL:  defaultForecastURL,
	}
}

// Tool returns the registrable tool.
func (w *Weather) Tool() registry.Tool {
	return registry.Tool{
		Descriptor: registry.Descriptor{
			Name:        "weather_fetcher",
			Domain:      "data",
			Description: "Get the current weather forecast (temperature, condition, wind) for any city globally.",
			Functions: []registry.FunctionSpec{{
				Name: "run_weather_tool",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"city": map[string]any{
							"type":        "string",
							"description": "The name of the city (e.g., 'London', 'Tokyo', 'New York').",
						},
					},
					"required": []any{"city"},
				},
			}},
			CostWeight:     1,
			MinIntervalSec: 5,
		},
		Handler: w.handle,
	}
}

func (w *Weather) handle(ctx context.Context, function string, args map[string]any) (any, error) {
	if function != "run_weather_tool" {
		return nil, fmt.Errorf("unknown function: %s", function)
	}
	city, _ := args["city"].(string)
	if city == "" {
		return nil, fmt.Errorf("city is required")
	}
	return w.forecast(ctx, city)
}

type geoLocation struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country"`
}

func (w *Weather) geocode(ctx context.Context, city string) (*geoLocation, error) {
	q := url.Values{}
	q.Set("name", city)
	q.Set("count", "1")
	q.Set("language", "en")
	q.Set("format", "json")

	var body struct {
		Results []geoLocation `json:"results"`
	}
	if err := w.getJSON(ctx, w.GeocodingURL+"?"+q.Encode(), &body); err != nil {
		return nil, fmt.Errorf("geocoding failed: %w", err)
	}
	if len(body.Results) == 0 {
		return nil, nil
	}
	return &body.Results[0], nil
}

func (w *Weather) forecast(ctx context.Context, city string) (map[string]any, error) {
	loc, err := w.geocode(ctx, city)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return map[string]any{"status": "error", "error": fmt.Sprintf("City '%s' not found.", city)}, nil
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%g", loc.Latitude))
	q.Set("longitude", fmt.Sprintf("%g", loc.Longitude))
	q.Set("current", "temperature_2m,relative_humidity_2m,weather_code,wind_speed_10m")
	q.Set("timezone", "auto")

	var body struct {
		Current struct {
			Temperature float64 `json:"temperature_2m"`
			Humidity    float64 `json:"relative_humidity_2m"`
			WeatherCode int     `json:"weather_code"`
			WindSpeed   float64 `json:"wind_speed_10m"`
		} `json:"current"`
	}
	if err := w.getJSON(ctx, w.ForecastURL+"?"+q.Encode(), &body); err != nil {
		return nil, err
	}

	condition, ok := wmoConditions[body.Current.WeatherCode]
	if !ok {
		condition = "Unknown"
	}
	return map[string]any{
		"status":      "success",
		"city":        loc.Name,
		"country":     loc.Country,
		"temperature": body.Current.Temperature,
		"humidity":    body.Current.Humidity,
		"wind_speed":  body.Current.WindSpeed,
		"condition":   condition,
		"unit":        "Celsius",
	}, nil
}

func (w *Weather) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, req.URL.Host)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
