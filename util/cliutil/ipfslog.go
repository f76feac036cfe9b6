package cliutil

import (
	"io"
	"log/slog"

	ipfslog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// SetIpfsWriter routes go-log output (flatfs, blockstore) to out at the same level as slog.
func SetIpfsWriter(out io.Writer, format string, level slog.Level) {
	encCfg := zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		NameKey:     "system",
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	var ze zapcore.Encoder
	if format == "json" {
		ze = zapcore.NewJSONEncoder(encCfg)
	} else {
		ze = zapcore.NewConsoleEncoder(encCfg)
	}

	var zl zapcore.Level
	switch {
	case level <= slog.LevelDebug:
		zl = zapcore.DebugLevel
	case level <= slog.LevelInfo:
		zl = zapcore.InfoLevel
	case level <= slog.LevelWarn:
		zl = zapcore.WarnLevel
	default:
		zl = zapcore.ErrorLevel
	}
	ipfslog.SetPrimaryCore(zapcore.NewCore(ze, zapcore.AddSync(out), zl))
}
