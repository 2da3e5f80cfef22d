package utils

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ubond/config"
)

var Logger *zap.Logger

func init() {
	// Seeded with a sane default so early startup code (before Init runs
	// against a loaded config) never dereferences a nil logger.
	Logger = zap.NewNop()
}

// Init (re)builds Logger from cfg, exactly as the teacher's package-init
// wiring did, generalized to run after config.Load rather than at import
// time, and to tee to stderr when debug is set (spec.md's AMBIENT STACK:
// "the teacher's commented-out console core is un-commented and made
// conditional").
func Init(cfg *config.Log, debug bool) {
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= levelMap[cfg.Level]
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.DebugLevel
	})

	hook := lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    1024,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}

	consoles := zapcore.AddSync(os.Stderr)
	files := zapcore.AddSync(&hook)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	consoleEncoder := zapcore.NewJSONEncoder(encoderConfig)
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)

	cores := []zapcore.Core{zapcore.NewCore(fileEncoder, files, highPriority)}
	if debug {
		cores = append(cores, zapcore.NewCore(consoleEncoder, consoles, lowPriority))
	}

	Logger = zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.Development())
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

func TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
