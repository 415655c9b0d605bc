package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/chadiek/shifra/internal/agent"
	"github.com/chadiek/shifra/internal/transcript"
)

// ErrMissingChatURL is returned when no chat backend is configured.
var ErrMissingChatURL = errors.New("CHAT_BASE_URL (or --chat-url) is required")

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	AccessToken string
	Console     bool

	ChatBaseURL     string
	ChatTimeout     time.Duration
	ShortAnswers    bool
	BrandToken      string
	BrandSubstitute string

	RecognitionLang       string
	RecognitionContinuous bool

	Greeting     string
	Fallback     string
	SettleDelay  time.Duration
	IdleWindow   time.Duration
	MaxRestarts  int
	StartTimeout time.Duration

	TimeZone string
	Location *time.Location

	LogLevel  string
	LogFormat string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	turn := agent.DefaultConfig()
	return Config{
		HTTPAddress:     ":8080",
		ChatTimeout:     20 * time.Second,
		ShortAnswers:    true,
		BrandToken:      "google",
		BrandSubstitute: "kc kunal",
		RecognitionLang: transcript.DefaultLang,
		Greeting:        turn.Greeting,
		Fallback:        turn.Fallback,
		SettleDelay:     turn.SettleDelay,
		IdleWindow:      turn.IdleWindow,
		MaxRestarts:     turn.MaxRestarts,
		StartTimeout:    turn.StartTimeout,
		Location:        time.Local,
		LogLevel:        "info",
		LogFormat:       "console",

		// Continuous sessions keep the page from ending recognition after
		// every pause.
		RecognitionContinuous: true,
	}
}

// Load reads an optional .env file, then the environment, then args.
// Flags win over the environment.
func Load(args []string) (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Defaults()
	if err := fromEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs := pflag.NewFlagSet("shifra", pflag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddress, "http-address", cfg.HTTPAddress, "listen address")
	fs.StringVar(&cfg.AccessToken, "token", cfg.AccessToken, "access token for /ws and /api (empty = open)")
	fs.BoolVar(&cfg.Console, "console", cfg.Console, "run the terminal UI instead of the HTTP server")
	fs.StringVar(&cfg.ChatBaseURL, "chat-url", cfg.ChatBaseURL, "chat backend base URL")
	fs.DurationVar(&cfg.ChatTimeout, "chat-timeout", cfg.ChatTimeout, "chat request timeout")
	fs.BoolVar(&cfg.ShortAnswers, "short-answers", cfg.ShortAnswers, "ask the backend for short answers")
	fs.StringVar(&cfg.RecognitionLang, "lang", cfg.RecognitionLang, "recognition language")
	fs.BoolVar(&cfg.RecognitionContinuous, "continuous", cfg.RecognitionContinuous, "keep recognition sessions open across pauses")
	fs.StringVar(&cfg.Greeting, "greeting", cfg.Greeting, "prompt spoken by begin")
	fs.StringVar(&cfg.Fallback, "fallback", cfg.Fallback, "reply spoken when the backend fails")
	fs.DurationVar(&cfg.SettleDelay, "settle-delay", cfg.SettleDelay, "pause before restarting recognition")
	fs.DurationVar(&cfg.IdleWindow, "idle-window", cfg.IdleWindow, "how long to listen after a reply")
	fs.IntVar(&cfg.MaxRestarts, "max-restarts", cfg.MaxRestarts, "recognition restarts without a transcript")
	fs.DurationVar(&cfg.StartTimeout, "start-timeout", cfg.StartTimeout, "limit on microphone permission and recognizer start")
	fs.StringVar(&cfg.TimeZone, "time-zone", cfg.TimeZone, "IANA zone for spoken times (default local)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.TimeZone != "" {
		loc, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return Config{}, fmt.Errorf("time zone %q: %w", cfg.TimeZone, err)
		}
		cfg.Location = loc
	}
	if cfg.MaxRestarts < 0 {
		return Config{}, fmt.Errorf("max restarts must not be negative, got %d", cfg.MaxRestarts)
	}
	// A substitute carrying the token would make redaction non-idempotent.
	if tok := strings.ToLower(strings.TrimSpace(cfg.BrandToken)); tok != "" && strings.Contains(strings.ToLower(cfg.BrandSubstitute), tok) {
		return Config{}, fmt.Errorf("brand substitute %q must not contain brand token %q", cfg.BrandSubstitute, cfg.BrandToken)
	}
	if strings.TrimSpace(cfg.ChatBaseURL) == "" {
		return Config{}, ErrMissingChatURL
	}
	return cfg, nil
}

// Input returns the recognition settings.
func (c Config) Input() transcript.Config {
	return transcript.Config{Lang: c.RecognitionLang, Continuous: c.RecognitionContinuous}
}

// Turn returns the coordinator settings.
func (c Config) Turn() agent.Config {
	return agent.Config{
		Greeting:     c.Greeting,
		Fallback:     c.Fallback,
		SettleDelay:  c.SettleDelay,
		IdleWindow:   c.IdleWindow,
		MaxRestarts:  c.MaxRestarts,
		AskTimeout:   c.ChatTimeout,
		StartTimeout: c.StartTimeout,
	}
}

func fromEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("HTTP_ADDRESS", &cfg.HTTPAddress)
	str("ACCESS_TOKEN", &cfg.AccessToken)
	str("CHAT_BASE_URL", &cfg.ChatBaseURL)
	str("RECOGNITION_LANG", &cfg.RecognitionLang)
	str("GREETING", &cfg.Greeting)
	str("FALLBACK_REPLY", &cfg.Fallback)
	str("BRAND_TOKEN", &cfg.BrandToken)
	str("BRAND_SUBSTITUTE", &cfg.BrandSubstitute)
	str("TIME_ZONE", &cfg.TimeZone)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CHAT_TIMEOUT", &cfg.ChatTimeout},
		{"SETTLE_DELAY", &cfg.SettleDelay},
		{"IDLE_WINDOW", &cfg.IdleWindow},
		{"START_TIMEOUT", &cfg.StartTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("MAX_RESTARTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_RESTARTS: %w", err)
		}
		cfg.MaxRestarts = n
	}
	bools := []struct {
		key string
		dst *bool
	}{
		{"SHORT_ANSWERS", &cfg.ShortAnswers},
		{"RECOGNITION_CONTINUOUS", &cfg.RecognitionContinuous},
	}
	for _, b := range bools {
		v := os.Getenv(b.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", b.key, err)
		}
		*b.dst = parsed
	}
	return nil
}
