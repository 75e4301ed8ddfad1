package ops

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// LogConfig configures the process-wide logger.
type LogConfig struct {
	Level  string `yaml:"level" long:"level" env:"LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `yaml:"format" long:"format" env:"LOG_FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format"`
}

// InitLog initializes the logrus package from the given LogConfig.
func InitLog(cfg LogConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	}
	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("level", cfg.Level).Warn("unrecognized log level, using info")
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(lvl)
	}
	log.SetOutput(os.Stderr)
}

// LogPublisher is an interface for publishing log messages that relate to a
// specific component. Components log through it rather than the package-level
// logger so tests can capture their output.
type LogPublisher interface {
	Log(level log.Level, fields log.Fields, message string)
}

type stdLogPublisher struct{}

func (stdLogPublisher) Log(level log.Level, fields log.Fields, message string) {
	log.WithFields(fields).Log(level, message)
}

// StdLogPublisher returns a LogPublisher that forwards to the logrus package.
func StdLogPublisher() LogPublisher {
	return stdLogPublisher{}
}

// NewLoggerWithFields returns a LogPublisher which adds the given fields to
// every published message. Fields passed at log time take precedence.
func NewLoggerWithFields(base LogPublisher, add log.Fields) LogPublisher {
	return &fieldsLogger{base: base, add: add}
}

type fieldsLogger struct {
	base LogPublisher
	add  log.Fields
}

func (l *fieldsLogger) Log(level log.Level, fields log.Fields, message string) {
	var merged = make(log.Fields, len(l.add)+len(fields))
	for k, v := range l.add {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.base.Log(level, merged, message)
}
