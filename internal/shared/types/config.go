package types

// ServerConf controls the inbound HTTP listener.
type ServerConf struct {
	Listen         string  `ini:"listen"`
	AdminUser      string  `ini:"admin_user"`
	AdminPassword  string  `ini:"admin_password"`
	RateLimitRPS   float64 `ini:"rate_limit_rps"`
	RateLimitBurst int     `ini:"rate_limit_burst"`
	CatalogPath    string  `ini:"catalog_path"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
	JSON  bool   `ini:"json"`
}

// ExtractConf configures the extraction chain and the yt-dlp invocation.
type ExtractConf struct {
	YtDlpPath          string `ini:"ytdlp_path"`
	AutoInstall        bool   `ini:"auto_install"`
	CookiesFile        string `ini:"cookies_file"`
	Format             string `ini:"format"`
	Strategies         string `ini:"strategies"` // comma separated priority list
	StrategyTimeoutSec int    `ini:"strategy_timeout_sec"`
	BudgetSec          int    `ini:"budget_sec"`

	// Cookies is the raw cookie blob from YOUTUBE_COOKIES. Never read from ini.
	Cookies string `ini:"-"`
}

// StreamConf configures the range proxy.
type StreamConf struct {
	MobileChunkKiB           int    `ini:"mobile_chunk_kib"`
	DefaultContentType       string `ini:"default_content_type"`
	ProbeTimeoutSec          int    `ini:"probe_timeout_sec"`
	UpstreamHeaderTimeoutSec int    `ini:"upstream_header_timeout_sec"`
	TLSFingerprint           string `ini:"tls_fingerprint"` // "off" or "randomized"
}

// TranscodeConf configures the ffmpeg fallback.
type TranscodeConf struct {
	Enabled       bool   `ini:"enabled"`
	FFmpegPath    string `ini:"ffmpeg_path"`
	Bitrate       string `ini:"bitrate"`
	MaxConcurrent int    `ini:"max_concurrent"`
}

// ProxyPoolConf configures the egress proxy pool.
type ProxyPoolConf struct {
	Enabled               bool   `ini:"enabled"`
	StoragePath           string `ini:"storage_path"`
	RefreshIntervalMin    int    `ini:"refresh_interval_min"`
	FailureThreshold      int    `ini:"failure_threshold"`
	CooldownMin           int    `ini:"cooldown_min"`
	ValidationTimeoutSec  int    `ini:"validation_timeout_sec"`
	ValidationConcurrency int    `ini:"validation_concurrency"`
	ValidationTarget      string `ini:"validation_target"`
	ValidationRPS         int    `ini:"validation_rps"`
	Sources               string `ini:"sources"` // comma separated scraper names
	MaxCandidates         int    `ini:"max_candidates"`

	// Override is the fixed proxy from PROXY_URL. Never read from ini.
	Override string `ini:"-"`
}

// Config is the unified configuration struct mapped from audiorelay.ini.
type Config struct {
	ServerConf    `ini:"server"`
	LogConf       `ini:"log"`
	ExtractConf   `ini:"extract"`
	StreamConf    `ini:"stream"`
	TranscodeConf `ini:"transcode"`
	ProxyPoolConf `ini:"proxypool"`
}
