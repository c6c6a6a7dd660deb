package engine

import (
	"log/slog"

	"github.com/use-agent/proofshot/config"
	"github.com/use-agent/proofshot/consent"
	"github.com/use-agent/proofshot/fingerprint"
	"github.com/use-agent/proofshot/pipeline"
	"github.com/use-agent/proofshot/region"
	"github.com/use-agent/proofshot/throttle"
)

// Cascade owns the resources shared by every capture: the engine list, the
// per-site limiter, the proxy rotation and the fingerprint source. Each
// request gets its own Orchestrator over them.
type Cascade struct {
	engines []Engine
	limiter *throttle.Limiter
	proxies *throttle.ProxyRotator
	fps     *fingerprint.Provider
	cfg     *config.Config
	logger  *slog.Logger
}

// NewCascade builds the engines enabled in cfg, in cascade order.
func NewCascade(cfg *config.Config, logger *slog.Logger) *Cascade {
	if logger == nil {
		logger = slog.Default()
	}
	popts := PipelineOptions(cfg.Capture, logger)

	var engines []Engine
	if cfg.Engine.Rod {
		engines = append(engines, NewRodEngine(RodConfig{
			Headless:     cfg.Browser.Headless,
			NoSandbox:    cfg.Browser.NoSandbox,
			BrowserBin:   cfg.Browser.BrowserBin,
			ExtensionDir: cfg.Browser.ExtensionDir,
			Pipeline:     popts,
		}))
	}
	if cfg.Engine.Chromedp {
		engines = append(engines, NewChromedpEngine(ChromedpConfig{
			Headless:   cfg.Browser.Headless,
			NoSandbox:  cfg.Browser.NoSandbox,
			BrowserBin: cfg.Browser.BrowserBin,
			Pipeline:   popts,
		}))
	}
	if cfg.Engine.Playwright {
		engines = append(engines, NewPlaywrightEngine(PlaywrightConfig{
			Headless:   cfg.Browser.Headless,
			NoSandbox:  cfg.Browser.NoSandbox,
			BrowserBin: cfg.Browser.BrowserBin,
			Pipeline:   popts,
		}))
	}
	if cfg.Engine.ScreenshotAPI {
		engines = append(engines, NewScreenshotAPIEngine(ScreenshotAPIConfig{
			Endpoint:  cfg.Engine.ScreenshotAPIURL,
			APIKey:    cfg.Engine.ScreenshotAPIKey,
			RPS:       cfg.Engine.ScreenshotAPIRPS,
			Timeout:   cfg.Capture.AttemptTimeout,
			MaxWidth:  cfg.Capture.MaxWidth,
			MaxHeight: cfg.Capture.MaxHeight,
		}))
	}

	return &Cascade{
		engines: engines,
		limiter: throttle.NewLimiter(throttle.Config{
			MinDelay:    cfg.Throttle.MinDelay,
			MaxDelay:    cfg.Throttle.MaxDelay,
			Window:      cfg.Throttle.Window,
			WindowMax:   cfg.Throttle.WindowMax,
			Cooldown:    cfg.Throttle.Cooldown,
			CooldownMax: cfg.Throttle.CooldownMax,
		}),
		proxies: throttle.NewProxyRotator(cfg.Browser.Proxies),
		fps:     fingerprint.NewProvider(),
		cfg:     cfg,
		logger:  logger,
	}
}

// PipelineOptions maps the capture settings onto the shared pipeline.
func PipelineOptions(c config.CaptureConfig, logger *slog.Logger) pipeline.Options {
	cons := consent.DefaultConfig()
	cons.ReadyTimeout = c.ReadinessTimeout
	cons.ReadyMinChars = c.ReadinessMinChars
	cons.SettleDelay = c.SettleDelay

	reg := region.DefaultConfig()
	reg.Padding = float64(c.Padding)
	reg.MinWidth = float64(c.MinWidth)
	reg.MinHeight = float64(c.MinHeight)
	reg.MaxWidth = float64(c.MaxWidth)
	reg.MaxHeight = float64(c.MaxHeight)

	return pipeline.Options{
		NavTimeout:        c.NavigationTimeout,
		ChallengeInterval: c.ChallengeInterval,
		ChallengeTimeout:  c.ChallengeTimeout,
		ChallengeMinChars: c.ReadinessMinChars,
		Consent:           cons,
		Region:            reg,
		Logger:            logger,
	}
}

// New returns a fresh Orchestrator for one request.
func (c *Cascade) New() *Orchestrator {
	return NewOrchestrator(c.engines, Options{
		Limiter:        c.limiter,
		Proxies:        c.proxies,
		Fingerprints:   c.fps,
		AttemptTimeout: c.cfg.Capture.AttemptTimeout,
		Logger:         c.logger,
	})
}

// Engines returns the enabled engine names in order.
func (c *Cascade) Engines() []string { return c.New().Engines() }

// Fingerprints returns the shared fingerprint source.
func (c *Cascade) Fingerprints() *fingerprint.Provider { return c.fps }

// Close stops background work.
func (c *Cascade) Close() { c.limiter.Stop() }
