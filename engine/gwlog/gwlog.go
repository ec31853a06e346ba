package gwlog

import (
	"encoding/json"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// DebugLevel level
	DebugLevel Level = Level(zap.DebugLevel)
	// InfoLevel level
	InfoLevel Level = Level(zap.InfoLevel)
	// WarnLevel level
	WarnLevel Level = Level(zap.WarnLevel)
	// ErrorLevel level
	ErrorLevel Level = Level(zap.ErrorLevel)
	// PanicLevel level
	PanicLevel Level = Level(zap.PanicLevel)
	// FatalLevel level
	FatalLevel Level = Level(zap.FatalLevel)

	// Debugf logs formatted debug message
	Debugf logFormatFunc
	// Infof logs formatted info message
	Infof logFormatFunc
	// Warnf logs formatted warn message
	Warnf logFormatFunc
	// Errorf logs formatted error message
	Errorf logFormatFunc
	Panicf logFormatFunc
	Fatalf logFormatFunc
	Fatal  func(args ...interface{})
	Panic  func(args ...interface{})
)

type logFormatFunc func(format string, args ...interface{})

// Level is type of log levels
type Level zapcore.Level

var (
	cfg    zap.Config
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	source string
)

func init() {
	var err error
	cfgJson := []byte(`{
		"level": "debug",
		"outputPaths": ["stderr"],
		"errorOutputPaths": ["stderr"],
		"encoding": "console",
		"encoderConfig": {
			"messageKey": "message",
			"levelKey": "level",
			"timeKey": "time",
			"levelEncoder": "lowercase",
			"timeEncoder": "iso8601"
		}
	}`)

	if err = json.Unmarshal(cfgJson, &cfg); err != nil {
		panic(err)
	}

	rebuildLoggerFromCfg()
}

// SetSource sets the component name (server/peer/client) of gwlog module
func SetSource(comp string) {
	source = comp
	rebuildLoggerFromCfg()
}

// SetLevel sets the log level
func SetLevel(lv Level) {
	cfg.Level.SetLevel(zapcore.Level(lv))
}

// GetLevel returns the current log level
func GetLevel() Level {
	return Level(cfg.Level.Level())
}

// TraceError prints the stack and error
func TraceError(format string, args ...interface{}) {
	Error(string(debug.Stack()))
	Errorf(format, args...)
}

// Error logs the arguments at error level
func Error(args ...interface{}) {
	sugar.Error(args...)
}

// SetOutput sets the output paths of the logger
func SetOutput(outputs []string) {
	cfg.OutputPaths = outputs
	rebuildLoggerFromCfg()
}

// SetupFileOutput writes logs to a rotated log file and optionally to stderr
func SetupFileOutput(logFile string, logStderr bool) {
	var writers []zapcore.WriteSyncer
	if logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 100,
			MaxAge:     30, //days
			Compress:   true,
		}
		writers = append(writers, zapcore.AddSync(lj))
	}
	if logStderr || len(writers) == 0 {
		writers = append(writers, zapcore.Lock(os.Stderr))
	}
	setWriteSyncer(zapcore.NewMultiWriteSyncer(writers...))
}

// SetWriter redirects all logs to the writer
func SetWriter(w io.Writer) {
	setWriteSyncer(zapcore.AddSync(w))
}

func setWriteSyncer(ws zapcore.WriteSyncer) {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg.EncoderConfig), ws, cfg.Level)
	newLogger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if source != "" {
		newLogger = newLogger.With(zap.String("source", source))
	}
	setLogger(newLogger)
}

func rebuildLoggerFromCfg() {
	newLogger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	if source != "" {
		newLogger = newLogger.With(zap.String("source", source))
	}
	setLogger(newLogger)
}

func setLogger(newLogger *zap.Logger) {
	if logger != nil {
		_ = logger.Sync()
	}
	logger = newLogger
	sugar = logger.Sugar()
	Debugf = sugar.Debugf
	Infof = sugar.Infof
	Warnf = sugar.Warnf
	Errorf = sugar.Errorf
	Panicf = sugar.Panicf
	Panic = sugar.Panic
	Fatalf = sugar.Fatalf
	Fatal = sugar.Fatal
}

// ParseLevel converts string to Levels
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "panic":
		return PanicLevel
	case "fatal":
		return FatalLevel
	}
	Errorf("ParseLevel: unknown level: %s", s)
	return DebugLevel
}
