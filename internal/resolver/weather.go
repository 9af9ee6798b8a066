package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WeatherReport is the current weather for one city.
type WeatherReport struct {
	City        string
	Description string
	TempC       float64
}

// WeatherClient fetches current conditions.
type WeatherClient interface {
	Current(ctx context.Context, city string) (WeatherReport, error)
}

// OpenWeatherClient queries the OpenWeatherMap current weather API.
type OpenWeatherClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewOpenWeatherClient(baseURL, apiKey string, client *http.Client) *OpenWeatherClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &OpenWeatherClient{baseURL: baseURL, apiKey: apiKey, client: client}
}

type openWeatherResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp float64 `json:"temp"`
	} `json:"main"`
}

func (c *OpenWeatherClient) Current(ctx context.Context, city string) (WeatherReport, error) {
	q := url.Values{}
	q.Set("q", city)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return WeatherReport{}, fmt.Errorf("create request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return WeatherReport{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	var body openWeatherResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&body); err != nil {
		return WeatherReport{}, fmt.Errorf("decode response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		msg := body.Message
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return WeatherReport{}, fmt.Errorf("weather service: %s", msg)
	}

	report := WeatherReport{City: body.Name, TempC: body.Main.Temp}
	if report.City == "" {
		report.City = city
	}
	if len(body.Weather) > 0 {
		report.Description = body.Weather[0].Description
	}
	return report, nil
}

// WeatherPlugin answers commands mentioning the weather.
type WeatherPlugin struct {
	client      WeatherClient
	defaultCity string
}

func NewWeatherPlugin(client WeatherClient, defaultCity string) *WeatherPlugin {
	return &WeatherPlugin{client: client, defaultCity: strings.TrimSpace(defaultCity)}
}

func (p *WeatherPlugin) Name() string { return "weather" }

func (p *WeatherPlugin) Resolve(ctx context.Context, command string, _ Context) (string, bool, error) {
	if !strings.Contains(Normalize(command), "weather") {
		return "", false, nil
	}
	city := extractCity(command)
	if city == "" {
		city = p.defaultCity
	}
	if city == "" {
		return `Which city? Try "weather in Paris".`, true, nil
	}

	report, err := p.client.Current(ctx, city)
	if err != nil {
		return fmt.Sprintf("Cannot fetch weather: %v", err), true, nil
	}
	desc := report.Description
	if desc == "" {
		desc = "no description"
	}
	return fmt.Sprintf("Weather in %s: %s, %.0f°C", report.City, desc, report.TempC), true, nil
}

var cityStopWords = map[string]bool{
	"weather": true, "today": true, "now": true, "like": true, "outside": true, "forecast": true,
}

// extractCity takes the words after the last "in", or else the last word
// unless it is part of the question itself.
func extractCity(command string) string {
	words := strings.Fields(command)
	for i := len(words) - 2; i >= 0; i-- {
		if strings.EqualFold(words[i], "in") {
			return trimPunct(strings.Join(words[i+1:], " "))
		}
	}
	if len(words) == 0 {
		return ""
	}
	last := trimPunct(words[len(words)-1])
	if cityStopWords[strings.ToLower(last)] {
		return ""
	}
	return last
}

func trimPunct(s string) string {
	return strings.Trim(s, " \t?!.,;:'\"")
}
