package util

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultServiceName tags every entry when Options.Service is empty.
const DefaultServiceName = "admin-security"

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// Options selects the encoder and the constant fields of the process logger.
type Options struct {
	Service     string
	Environment string
	Level       string
	Format      string
}

func (o Options) withDefaults() Options {
	if o.Service == "" {
		o.Service = DefaultServiceName
	}
	if o.Environment == "" {
		o.Environment = "production"
	}
	if o.Format == "" {
		o.Format = "json"
	}
	return o
}

// newConfig builds the zap configuration for o. Production output is sampled.
// JSON entries use ISO8601 timestamps under "timestamp".
func newConfig(o Options) zap.Config {
	o = o.withDefaults()

	var config zap.Config
	if o.Environment == "production" {
		config = zap.NewProductionConfig()
		config.DisableStacktrace = true
		config.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.Level = zap.NewAtomicLevelAt(parseLogLevel(o.Level))

	if o.Format == "json" {
		// One key set for every environment so collectors parse them alike.
		config.Encoding = "json"
		config.EncoderConfig = zap.NewProductionEncoderConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config.Encoding = "console"
	}

	// Containers collect stdout.
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	config.InitialFields = map[string]interface{}{
		"service":     o.Service,
		"environment": o.Environment,
	}
	return config
}

// Init builds the process logger once and installs it as the zap global.
// Later calls return the first logger.
func Init(o Options) *zap.Logger {
	once.Do(func() {
		var err error
		globalLogger, err = newConfig(o).Build(
			zap.AddCaller(),
			zap.AddCallerSkip(1),
		)
		if err != nil {
			panic("failed to initialize logger: " + err.Error())
		}
		zap.ReplaceGlobals(globalLogger)
	})
	return globalLogger
}

// Get returns the process logger, initializing a production one on first use.
func Get() *zap.Logger {
	if globalLogger == nil {
		return Init(Options{})
	}
	return globalLogger
}

// Named returns a logger for one subsystem. Entries carry a "logger" key with
// the component name. The package-level caller skip is removed because the
// result is called directly.
func Named(component string) *zap.Logger {
	return Get().WithOptions(zap.AddCallerSkip(-1)).Named(component)
}

// Sync flushes any buffered log entries
func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func parseLogLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	case "panic":
		return zapcore.PanicLevel
	default:
		return zapcore.InfoLevel
	}
}

func Debug(msg string, fields ...zap.Field) {
	Get().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Get().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Get().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	Get().Fatal(msg, fields...)
}

func String(key, value string) zap.Field {
	return zap.String(key, value)
}

func Bool(key string, value bool) zap.Field {
	return zap.Bool(key, value)
}

func Int(key string, value int) zap.Field {
	return zap.Int(key, value)
}

// ErrorField is zap.Error under a name that does not shadow Error.
func ErrorField(err error) zap.Field {
	return zap.Error(err)
}

func Duration(key string, value time.Duration) zap.Field {
	return zap.Duration(key, value)
}

// IdentityID and SessionID keep the keys of the two most logged ids uniform
// across packages.
func IdentityID(id string) zap.Field {
	return zap.String("identity_id", id)
}

func SessionID(id string) zap.Field {
	return zap.String("session_id", id)
}
