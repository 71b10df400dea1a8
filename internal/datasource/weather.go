package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/daa-project/daa/internal/httpkit"
)

const openMeteoURL = "https://api.open-meteo.com/v1/forecast"

// wmoDescriptions maps WMO weather codes to spoken Swedish descriptions.
var wmoDescriptions = map[int]string{
	0: "klart solsken", 1: "mest klart", 2: "halvklart", 3: "molnigt",
	45: "dimma", 48: "rimfrost", 51: "lätt duggregn", 53: "duggregn",
	55: "kraftigt duggregn", 61: "lätt regn", 63: "regn", 65: "kraftigt regn",
	71: "lätt snöfall", 73: "snöfall", 75: "kraftigt snöfall", 77: "snökorn",
	80: "lätt regnskur", 81: "regnskur", 82: "kraftig regnskur",
	85: "lätt snöby", 86: "kraftig snöby", 95: "åska", 96: "åska med hagel",
}

// WeatherFetcher retrieves current conditions and the day's forecast
// from Open-Meteo. No API key required.
type WeatherFetcher struct {
	baseURL    string
	latitude   float64
	longitude  float64
	httpClient *http.Client
}

// NewWeatherFetcher creates an Open-Meteo fetcher for fixed coordinates.
func NewWeatherFetcher(latitude, longitude float64) *WeatherFetcher {
	return &WeatherFetcher{
		baseURL:   openMeteoURL,
		latitude:  latitude,
		longitude: longitude,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10 * time.Second),
		),
	}
}

// Domain implements Fetcher.
func (f *WeatherFetcher) Domain() string { return "väder" }

type openMeteoResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		WeatherCode int     `json:"weather_code"`
		WindSpeed   float64 `json:"wind_speed_10m"`
	} `json:"current"`
	Daily struct {
		TemperatureMax []float64 `json:"temperature_2m_max"`
		TemperatureMin []float64 `json:"temperature_2m_min"`
	} `json:"daily"`
}

// FetchLive implements Fetcher.
func (f *WeatherFetcher) FetchLive(ctx context.Context) (string, error) {
	if f.latitude == 0 && f.longitude == 0 {
		return "", fmt.Errorf("no coordinates configured")
	}

	params := url.Values{}
	params.Set("latitude", fmt.Sprintf("%g", f.latitude))
	params.Set("longitude", fmt.Sprintf("%g", f.longitude))
	params.Set("current", "temperature_2m,weather_code,wind_speed_10m")
	params.Set("daily", "temperature_2m_max,temperature_2m_min")
	params.Set("timezone", "auto")

	req, err := http.NewRequestWithContext(ctx, "GET", f.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("open-meteo returned %d", resp.StatusCode)
	}

	var data openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	desc, ok := wmoDescriptions[data.Current.WeatherCode]
	if !ok {
		desc = "okänt väder"
	}

	report := fmt.Sprintf("Just nu är det %s och %.1f grader. Vinden ligger på %.1f meter per sekund.",
		desc, data.Current.Temperature, data.Current.WindSpeed)

	if len(data.Daily.TemperatureMax) > 0 && len(data.Daily.TemperatureMin) > 0 {
		report += fmt.Sprintf(" Idag väntas som högst %.1f och som lägst %.1f grader.",
			data.Daily.TemperatureMax[0], data.Daily.TemperatureMin[0])
	}

	return report, nil
}
