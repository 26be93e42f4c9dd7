package download

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/metrics"
)

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name and returns its combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

var _ grabber.CommandRunner = ExecRunner{}

// hlsArgs builds an ffmpeg stream-copy remux of the playlist into an mp4.
func hlsArgs(playlist, output string, headers http.Header) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if h := ffmpegHeaders(headers); h != "" {
		args = append(args, "-headers", h)
	}
	return append(args,
		"-i", playlist,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-f", "mp4",
		output,
	)
}

func ffmpegHeaders(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}

func (e *Engine) downloadHLS(ctx context.Context, req Request) (grabber.DownloadResult, error) {
	if e.runner == nil {
		return grabber.DownloadResult{}, grabber.NewError(grabber.CodeHLSRemuxFailed, "no command runner configured")
	}
	part := req.Target + ".part"
	_, err := e.runner.Run(ctx, e.cfg.FFmpegPath, hlsArgs(req.URL, part, req.Headers)...)
	if err != nil {
		_ = os.Remove(part)
		metrics.ObserveDownloadAttempt(StrategyHLS, "error")
		return grabber.DownloadResult{}, grabber.WrapError(grabber.CodeHLSRemuxFailed, "remux hls playlist", err)
	}
	info, err := os.Stat(part)
	if err != nil {
		metrics.ObserveDownloadAttempt(StrategyHLS, "error")
		return grabber.DownloadResult{}, grabber.WrapError(grabber.CodeHLSRemuxFailed, "remux produced no output", err)
	}
	if err := os.Rename(part, req.Target); err != nil {
		_ = os.Remove(part)
		return grabber.DownloadResult{}, grabber.WrapError(grabber.CodeHLSRemuxFailed, "rename remux output", err)
	}
	metrics.ObserveDownloadAttempt(StrategyHLS, "ok")
	metrics.ObserveDownloadBytes(req.URL, info.Size())
	e.logger.Debug("playlist remuxed", zap.String("path", req.Target), zap.Int64("bytes", info.Size()))
	return grabber.DownloadResult{
		Path:        req.Target,
		Bytes:       info.Size(),
		ContentType: "video/mp4",
		Strategy:    StrategyHLS,
	}, nil
}
