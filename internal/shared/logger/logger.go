package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	log = zap.NewNop()
)

// Init はグローバルロガーを初期化する。debug=true の場合は開発用のコンソール出力になる。
// 複数回呼び出した場合は最後の設定で置き換える。
func Init(debug bool) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// 設定ミスでログが出せなくなるよりはNopで続行する
		l = zap.NewNop()
	}

	mu.Lock()
	old := log
	log = l
	mu.Unlock()
	_ = old.Sync()
}

// L returns the underlying zap logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Sync flushes buffered log entries.
func Sync() {
	_ = L().Sync()
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }
