package extract

import (
	"context"
	"fmt"
	"os/exec"

	"audiorelay/internal/shared/logger"

	"github.com/lrstanley/go-ytdlp"
)

// ResolveYtDlp returns the yt-dlp executable to run. A configured binary
// found on PATH (or an absolute path) wins. Otherwise, with autoInstall on,
// go-ytdlp finds a cached copy or downloads the release it is pinned to.
func ResolveYtDlp(ctx context.Context, configured string, autoInstall bool) (string, error) {
	l := logger.WithComponent("Extract/Toolchain")

	if configured != "" {
		if path, err := exec.LookPath(configured); err == nil {
			l.Debug().Str("path", path).Msg("Using yt-dlp from PATH.")
			return path, nil
		}
	}
	if !autoInstall {
		return "", fmt.Errorf("yt-dlp binary %q not found and auto_install is disabled", configured)
	}

	l.Info().Msg("yt-dlp not found, installing...")
	resolved, err := ytdlp.Install(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("installing yt-dlp: %w", err)
	}
	l.Info().Str("path", resolved.Executable).Str("version", resolved.Version).Msg("yt-dlp installed.")
	return resolved.Executable, nil
}
