package app

import (
	"fmt"
	"time"

	"github.com/ent0n29/pai/internal/config"
	"github.com/ent0n29/pai/internal/llm"
	"github.com/ent0n29/pai/internal/resolver"
)

// buildPlugins registers the configured plugins in PLUGINS_ENABLED order.
func buildPlugins(cfg config.Config) (*resolver.PluginRegistry, error) {
	var plugins []resolver.Plugin
	for _, name := range cfg.EnabledPlugins() {
		switch name {
		case "weather":
			client, err := llm.NewHTTPClient(10*time.Second, cfg.LLMSocksProxy)
			if err != nil {
				return nil, fmt.Errorf("weather client: %w", err)
			}
			weather := resolver.NewOpenWeatherClient(cfg.WeatherBaseURL, cfg.WeatherAPIKey, client)
			plugins = append(plugins, resolver.NewWeatherPlugin(weather, cfg.WeatherDefaultCity))
		case "diagnostics":
			plugins = append(plugins, resolver.NewDiagnosticsPlugin(nil))
		default:
			return nil, fmt.Errorf("unknown plugin %q in PLUGINS_ENABLED (expected weather|diagnostics)", name)
		}
	}
	return resolver.NewPluginRegistry(plugins...), nil
}
