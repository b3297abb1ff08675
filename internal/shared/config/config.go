package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"audiorelay/internal/shared/types"
	"audiorelay/proxypool/model"
)

// Default returns the configuration used when no ini file overrides a key.
func Default() *types.Config {
	return &types.Config{
		ServerConf: types.ServerConf{
			Listen:         "0.0.0.0:3002",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			CatalogPath:    "songs.json",
		},
		LogConf: types.LogConf{Level: "info"},
		ExtractConf: types.ExtractConf{
			YtDlpPath:          "yt-dlp",
			AutoInstall:        true,
			Format:             "140/bestaudio[ext=m4a]/bestaudio",
			Strategies:         "direct-ipv4,direct-ipv6,proxy,native",
			StrategyTimeoutSec: 20,
			BudgetSec:          45,
		},
		StreamConf: types.StreamConf{
			MobileChunkKiB:           512,
			DefaultContentType:       "audio/mpeg",
			ProbeTimeoutSec:          10,
			UpstreamHeaderTimeoutSec: 15,
			TLSFingerprint:           "off",
		},
		TranscodeConf: types.TranscodeConf{
			Enabled:       true,
			FFmpegPath:    "ffmpeg",
			Bitrate:       "128k",
			MaxConcurrent: 4,
		},
		ProxyPoolConf: types.ProxyPoolConf{
			Enabled:               true,
			StoragePath:           "proxies.txt",
			RefreshIntervalMin:    30,
			FailureThreshold:      3,
			CooldownMin:           10,
			ValidationTimeoutSec:  8,
			ValidationConcurrency: 16,
			ValidationTarget:      "https://www.youtube.com/generate_204",
			ValidationRPS:         20,
			Sources:               "proxyscrape,free-proxy-list,sslproxies",
			MaxCandidates:         50,
		},
	}
}

// Load builds the effective configuration for a config directory:
// defaults < audiorelay.ini < .env < process environment.
func Load(configDir string) (*types.Config, error) {
	cfg := Default()

	iniPath := filepath.Join(configDir, "audiorelay.ini")
	if err := LoadIni(cfg, iniPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", iniPath, err)
	}

	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	ApplyEnv(cfg)

	// Relative data paths live next to the ini file.
	cfg.CatalogPath = resolvePath(configDir, cfg.CatalogPath)
	cfg.ProxyPoolConf.StoragePath = resolvePath(configDir, cfg.ProxyPoolConf.StoragePath)
	if cfg.CookiesFile != "" {
		cfg.CookiesFile = resolvePath(configDir, cfg.CookiesFile)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadIni maps an ini file onto cfg. Keys absent from the file keep their value.
func LoadIni(cfg *types.Config, fileName string) error {
	if _, err := os.Stat(fileName); err != nil {
		return err
	}
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	return iniFile.MapTo(cfg)
}

// ApplyEnv overlays the environment variables the service understands.
func ApplyEnv(cfg *types.Config) {
	overrideFromEnvString(&cfg.ExtractConf.Cookies, "YOUTUBE_COOKIES")
	overrideFromEnvString(&cfg.ProxyPoolConf.Override, "PROXY_URL")
	overrideFromEnvString(&cfg.LogConf.Level, "LOG_LEVEL")
	overrideFromEnvString(&cfg.ServerConf.Listen, "LISTEN_ADDR")
	overrideFromEnvString(&cfg.ExtractConf.YtDlpPath, "YTDLP_PATH")
	overrideFromEnvString(&cfg.TranscodeConf.FFmpegPath, "FFMPEG_PATH")
	overrideFromEnvInt(&cfg.TranscodeConf.MaxConcurrent, "MAX_TRANSCODES")

	// PROXY_URL=DIRECT is how operators disable the override explicitly.
	if strings.EqualFold(cfg.ProxyPoolConf.Override, "DIRECT") {
		cfg.ProxyPoolConf.Override = ""
	}
}

// Validate checks config values are within acceptable bounds.
func Validate(cfg *types.Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("server.listen cannot be empty")
	}
	if cfg.StrategyTimeoutSec <= 0 || cfg.BudgetSec <= 0 {
		return fmt.Errorf("extract timeouts must be positive")
	}
	if cfg.BudgetSec < cfg.StrategyTimeoutSec {
		return fmt.Errorf("extract.budget_sec (%d) must be >= strategy_timeout_sec (%d)", cfg.BudgetSec, cfg.StrategyTimeoutSec)
	}
	if strings.TrimSpace(cfg.Strategies) == "" {
		return fmt.Errorf("extract.strategies cannot be empty")
	}
	if cfg.MobileChunkKiB <= 0 {
		return fmt.Errorf("stream.mobile_chunk_kib must be positive")
	}
	switch cfg.TLSFingerprint {
	case "off", "randomized":
	default:
		return fmt.Errorf("unsupported stream.tls_fingerprint %q (valid: off, randomized)", cfg.TLSFingerprint)
	}
	if cfg.TranscodeConf.Enabled && cfg.MaxConcurrent <= 0 {
		return fmt.Errorf("transcode.max_concurrent must be positive")
	}
	if cfg.FailureThreshold <= 0 {
		return fmt.Errorf("proxypool.failure_threshold must be positive")
	}
	if cfg.ValidationTimeoutSec <= 0 {
		return fmt.Errorf("proxypool.validation_timeout_sec must be positive")
	}
	if cfg.ProxyPoolConf.Override != "" {
		if _, err := model.ParseAddress(cfg.ProxyPoolConf.Override); err != nil {
			return fmt.Errorf("PROXY_URL: %w", err)
		}
	}
	return nil
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
