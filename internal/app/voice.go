package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/pai/internal/config"
	"github.com/ent0n29/pai/internal/voice"
)

type speechSetup struct {
	speaker  voice.Speaker
	provider string
	detail   string
}

// resolveSpeaker picks the speech output for TTS_PROVIDER. "none" disables
// speech entirely; "auto" falls back to the mock speaker when nothing is
// installed.
func resolveSpeaker(cfg config.Config, logger *zap.Logger) (speechSetup, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.TTSProvider))
	if provider == "none" || provider == "off" {
		return speechSetup{provider: "none", detail: "speech disabled"}, nil
	}

	speaker, resolved, err := voice.NewSpeaker(provider, cfg.TTSCommand, cfg.TTSVoice)
	if err != nil {
		return speechSetup{}, fmt.Errorf("speech provider init failed: %w", err)
	}
	setup := speechSetup{speaker: speaker, provider: resolved}
	switch resolved {
	case "mock":
		setup.detail = "mock (no speech synthesizer found)"
		if provider != "mock" {
			logger.Warn("no speech synthesizer available, responses are not spoken")
		}
	case "espeak":
		setup.detail = "espeak"
		if v := strings.TrimSpace(cfg.TTSVoice); v != "" {
			setup.detail += " (" + v + ")"
		}
	default:
		setup.detail = resolved + " (" + cfg.TTSCommand + ")"
	}
	return setup, nil
}
