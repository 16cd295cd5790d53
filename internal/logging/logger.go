// Package logging builds the zap loggers used across the daemon
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edgecli/btlite/internal/ui"
)

// Component tags log lines with the subsystem that wrote them
type Component string

const (
	ComponentDaemon      Component = "DAEMON"
	ComponentNameService Component = "NAMESVC"
	ComponentBridge      Component = "BRIDGE"
	ComponentRadio       Component = "RADIO"
	ComponentControl     Component = "CONTROL"
	ComponentController  Component = "CTRL"
)

func componentColor(c Component) string {
	switch c {
	case ComponentDaemon:
		return ui.Blue
	case ComponentNameService:
		return ui.Magenta
	case ComponentBridge:
		return ui.Cyan
	case ComponentRadio:
		return ui.Yellow
	case ComponentControl:
		return ui.Green
	default:
		return ui.White
	}
}

func levelColor(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return ui.Dim
	case zapcore.WarnLevel:
		return ui.Yellow
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return ui.Red
	default:
		return ui.White
	}
}

// Options configures a logger
type Options struct {
	// Level is debug, info, warn or error
	Level string
	// Colors forces ANSI colors on or off; nil auto-detects from the terminal
	Colors *bool
	// Output defaults to stdout
	Output io.Writer
}

func encoder(colors bool) zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()

	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		ts := t.Format("15:04:05")
		if colors {
			ts = ui.Dim + ts + ui.Reset
		}
		enc.AppendString(ts)
	}

	// D, I, W, E
	cfg.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		letter := "?"
		if s := level.CapitalString(); s != "" {
			letter = s[:1]
		}
		if colors {
			letter = levelColor(level) + ui.Bold + letter + ui.Reset
		}
		enc.AppendString(letter)
	}

	// Named loggers read DAEMON.nameservice; the root tag picks the color
	cfg.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		if colors {
			root, _, _ := strings.Cut(name, ".")
			name = componentColor(Component(root)) + name + ui.Reset
		}
		enc.AppendString(name)
	}

	cfg.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		file := caller.File
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		file = strings.TrimSuffix(file, ".go")
		if colors {
			file = ui.Dim + file + ui.Reset
		}
		enc.AppendString(file)
	}

	return zapcore.NewConsoleEncoder(cfg)
}

// New creates a console logger for component
func New(component Component, opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if opts.Level == "" {
		level, err = zapcore.InfoLevel, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	colors := ui.IsColorEnabled()
	if opts.Colors != nil {
		colors = *opts.Colors
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	core := zapcore.NewCore(encoder(colors), zapcore.AddSync(out), level)
	return zap.New(core, zap.AddCaller()).Named(string(component)), nil
}
