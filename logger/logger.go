package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LevelTrace is more verbose than Debug, used to dump messages.
const LevelTrace = slog.LevelDebug - 4

type LogConfiguration struct {
	Level        string `yaml:"defaultLevel"`
	Format       string `yaml:"format"`
	OutputPath   string `yaml:"outputPath"`
	TimeFormat   string `yaml:"timeFormat"`
	PeerIDFormat string `yaml:"peerIdFormat"`
	// when set OutputPath is ignored
	Writer io.Writer `yaml:"-"`
}

/*
New creates logger based on configuration:
  - Level: one of TRACE, DEBUG, INFO, WARN, ERROR (INFO when empty);
  - Format: text, json, console or ecs (text when empty);
  - OutputPath: file name or one of stdout, stderr, discard (stderr when empty).
*/
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	if cfg == nil {
		cfg = &LogConfiguration{}
	}
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	out := cfg.Writer
	if out == nil {
		if out, err = outputWriter(cfg.OutputPath); err != nil {
			return nil, err
		}
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		opts.ReplaceAttr = composeAttrFmt(formatLevelAttr, formatTimeAttr(cfg.TimeFormat), formatPeerIDAttr(cfg.PeerIDFormat), formatDataAttrAsJSON)
		h = slog.NewTextHandler(out, opts)
	case "json":
		opts.ReplaceAttr = composeAttrFmt(formatLevelAttr, formatTimeAttr(cfg.TimeFormat), formatPeerIDAttr(cfg.PeerIDFormat))
		h = slog.NewJSONHandler(out, opts)
	case "ecs":
		opts.AddSource = true
		opts.ReplaceAttr = composeAttrFmt(formatLevelAttr, formatPeerIDAttr(cfg.PeerIDFormat), formatAttrECS)
		h = slog.NewJSONHandler(out, opts)
	case "console":
		opts.ReplaceAttr = formatAttrConsole
		h = slog.NewTextHandler(out, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), nil
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "":
		return slog.LevelInfo, nil
	case "TRACE":
		return LevelTrace, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

func outputWriter(name string) (io.Writer, error) {
	switch strings.ToLower(name) {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "discard":
		return io.Discard, nil
	}
	if err := os.MkdirAll(filepath.Dir(name), 0700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Clean(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
