package cmd

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/marcus/kept/internal/syncconfig"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logFile io.Closer

// setupLogging sends slog output to a rotating file in the config dir so
// command output stays clean.
func setupLogging(cmd *cobra.Command) error {
	dir, err := syncconfig.ConfigDir()
	if err != nil {
		return err
	}
	level := parseLevel("")
	if v, err := syncconfig.Get("log.level"); err == nil {
		level = parseLevel(toString(v))
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}

	closeLogging()
	lj := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "kept.log"),
		MaxSize:    5, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	logFile = lj
	slog.SetDefault(slog.New(slog.NewTextHandler(lj, &slog.HandlerOptions{Level: level})))
	slog.Debug("command", "name", cmd.CommandPath())
	return nil
}

func closeLogging() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
