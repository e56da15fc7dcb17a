package observe

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig configures the zap logger built by NewZap.
type LogConfig struct {
	Level       string // "debug", "info", "warn", "error"
	Development bool
	OutputPaths []string
}

func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", OutputPaths: []string{"stderr"}}
}

// NewZap builds a zap logger, console encoded in development and json
// otherwise.
func NewZap(cfg LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stderr"}
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = cfg.OutputPaths
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.DisableStacktrace = !cfg.Development
	return zc.Build()
}

type logger struct {
	l *zap.Logger
}

// NewLogger logs every hop on l. bodies are only dumped at debug level.
func NewLogger(l *zap.Logger) Observer {
	if l == nil {
		l = zap.NewNop()
	}
	return &logger{l: l.Named("dispatch")}
}

func hopFields(h Hop) []zap.Field {
	return []zap.Field{
		zap.String("request_id", h.RequestID),
		zap.Int("hop", h.N),
		zap.String("conn", h.Kind),
		zap.String("method", h.Method),
		zap.String("url", h.URL),
	}
}

func (o *logger) HopStarted(ctx context.Context, h Hop) context.Context {
	o.l.Debug("sending request", append(hopFields(h), zap.Bool("tunnel", h.Tunnel))...)
	return ctx
}

func (o *logger) HopFinished(_ context.Context, h Hop, status int, d time.Duration, err error) {
	fields := append(hopFields(h), zap.Int("status", status), zap.Duration("duration", d))
	if err != nil {
		o.l.Warn("request failed", append(fields, zap.Error(err))...)
		return
	}
	o.l.Info("request done", fields...)
}

func (o *logger) Redirected(_ context.Context, h Hop, location string) {
	o.l.Info("following redirect", append(hopFields(h), zap.String("location", location))...)
}

func (o *logger) RequestBody(_ context.Context, h Hop, body []byte) {
	if ce := o.l.Check(zapcore.DebugLevel, "request body"); ce != nil {
		ce.Write(zap.String("request_id", h.RequestID), zap.Int("hop", h.N), zap.ByteString("body", body))
	}
}

func (o *logger) ResponseBody(_ context.Context, h Hop, body []byte) {
	if ce := o.l.Check(zapcore.DebugLevel, "response body"); ce != nil {
		ce.Write(zap.String("request_id", h.RequestID), zap.Int("hop", h.N), zap.ByteString("body", body))
	}
}
