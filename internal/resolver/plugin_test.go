package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWeather struct {
	report WeatherReport
	err    error
	city   string
}

func (f *fakeWeather) Current(_ context.Context, city string) (WeatherReport, error) {
	f.city = city
	if f.err != nil {
		return WeatherReport{}, f.err
	}
	r := f.report
	r.City = city
	return r, nil
}

func TestPluginRegistryAdmin(t *testing.T) {
	reg := NewPluginRegistry(NewWeatherPlugin(&fakeWeather{}, ""), NewDiagnosticsPlugin(nil))

	assert.Equal(t, "Plugins: diagnostics (enabled), weather (enabled)", reg.Admin("list"))
	assert.Equal(t, "Plugin weather disabled.", reg.Admin("disable weather"))
	assert.False(t, reg.Enabled("weather"))
	assert.Equal(t, "Plugin weather enabled.", reg.Admin("ENABLE weather"))
	assert.True(t, reg.Enabled("weather"))
	assert.Equal(t, "Unknown plugin: stocks", reg.Admin("enable stocks"))
	assert.Equal(t, adminUsage, reg.Admin(""))
	assert.Equal(t, adminUsage, reg.Admin("reboot"))

	err := reg.SetEnabled("stocks", true)
	assert.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestDisabledPluginIsSkipped(t *testing.T) {
	weather := &fakeWeather{report: WeatherReport{Description: "sunny", TempC: 21}}
	reg := NewPluginRegistry(NewWeatherPlugin(weather, "Rome"))
	require.NoError(t, reg.SetEnabled("weather", false))

	resolvers := reg.Resolvers()
	require.Len(t, resolvers, 1)
	_, ok, err := resolvers[0].Resolve(context.Background(), NewRequest("s1", "weather in Paris", nil))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, weather.city)
}

func TestWeatherPlugin(t *testing.T) {
	weather := &fakeWeather{report: WeatherReport{Description: "light rain", TempC: 12.4}}
	p := NewWeatherPlugin(weather, "Rome")

	text, ok, err := p.Resolve(context.Background(), "What's the weather in New York?", Context{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Weather in New York: light rain, 12°C", text)

	text, ok, err = p.Resolve(context.Background(), "how is the weather today", Context{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Rome", weather.city)
	assert.Contains(t, text, "Weather in Rome")

	_, ok, err = p.Resolve(context.Background(), "tell me a joke", Context{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWeatherPluginReportsFetchError(t *testing.T) {
	p := NewWeatherPlugin(&fakeWeather{err: errors.New("offline")}, "Rome")
	text, ok, err := p.Resolve(context.Background(), "weather", Context{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Cannot fetch weather: offline", text)
}

func TestExtractCity(t *testing.T) {
	cases := map[string]string{
		"weather in Paris":                      "Paris",
		"what's the weather in Rio de Janeiro?": "Rio de Janeiro",
		"weather London":                        "London",
		"weather today":                         "",
		"weather":                               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, extractCity(in), in)
	}
}

func TestOpenWeatherClient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Berlin", r.URL.Query().Get("q"))
		assert.Equal(t, "secret", r.URL.Query().Get("appid"))
		assert.Equal(t, "metric", r.URL.Query().Get("units"))
		_, _ = w.Write([]byte(`{"name":"Berlin","weather":[{"description":"clear sky"}],"main":{"temp":18.6}}`))
	}))
	defer ts.Close()

	report, err := NewOpenWeatherClient(ts.URL, "secret", ts.Client()).Current(context.Background(), "Berlin")
	require.NoError(t, err)
	assert.Equal(t, WeatherReport{City: "Berlin", Description: "clear sky", TempC: 18.6}, report)
}

func TestOpenWeatherClientError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"cod":"404","message":"city not found"}`))
	}))
	defer ts.Close()

	_, err := NewOpenWeatherClient(ts.URL, "k", ts.Client()).Current(context.Background(), "Atlantis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "city not found")
}

func TestDiagnosticsPlugin(t *testing.T) {
	p := NewDiagnosticsPlugin(func(context.Context) (float64, float64, error) {
		return 12.34, 56.78, nil
	})
	text, ok, err := p.Resolve(context.Background(), "run diagnostics", Context{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "[Diagnostics] CPU: 12.3% | RAM: 56.8%", text)

	_, ok, err = p.Resolve(context.Background(), "hello", Context{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiagnosticsSamplerFailureSkips(t *testing.T) {
	p := NewDiagnosticsPlugin(func(context.Context) (float64, float64, error) {
		return 0, 0, errors.New("no procfs")
	})
	_, ok, err := p.Resolve(context.Background(), "diagnose", Context{})
	assert.Error(t, err)
	assert.False(t, ok)
}
