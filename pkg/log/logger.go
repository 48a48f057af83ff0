package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/t-tomalak/logrus-easy-formatter"
)

var logger *customLogger

// nolint:gochecknoinits
func init() {
	logger = newLogger()
}

type customLogger struct {
	*logrus.Logger
}

// Fields is an alias so callers don't need to import logrus.
type Fields = logrus.Fields

// SetLevel
// Set log level:
// DebugLevel = 0
// InfoLevel = 1
// WarnLevel = 2
// ErrorLevel = 3
func SetLevel(lvl int) {
	switch lvl {
	case 0:
		logger.Level = logrus.DebugLevel
		Info("log level set to DEBUG.")
	case 2:
		logger.Level = logrus.WarnLevel
	case 3:
		logger.Level = logrus.ErrorLevel
	default:
		logger.Level = logrus.InfoLevel
		Info("log level set to INFO.")
	}
}

// Level returns the numeric level accepted by SetLevel.
func Level() int {
	switch logger.Level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return 0
	case logrus.WarnLevel:
		return 2
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return 3
	default:
		return 1
	}
}

func newLogger() *customLogger {
	logger := &logrus.Logger{
		Out:   os.Stderr,
		Level: logrus.InfoLevel,
		Hooks: make(logrus.LevelHooks),
		Formatter: &easy.Formatter{
			TimestampFormat: "01-02 15:04:05.000",
			LogFormat:       "[%lvl%]   [%time%]   -   %msg%\r\n",
		},
		ExitFunc: os.Exit,
	}
	return &customLogger{logger}
}

// WithFields returns an entry carrying structured context, e.g. wallet id and scope.
// The easy formatter ignores fields, so they are folded into the message prefix.
func WithFields(fields Fields) *Entry {
	return &Entry{fields: fields}
}

// Entry prefixes every message with its fields.
type Entry struct {
	fields Fields
}

func (e *Entry) prefix() string {
	if len(e.fields) == 0 {
		return ""
	}
	return fmt.Sprintf("%v ", map[string]interface{}(e.fields))
}

func (e *Entry) Debugf(format string, args ...interface{}) {
	logger.Debug(e.prefix() + fmt.Sprintf(format, args...))
}

func (e *Entry) Infof(format string, args ...interface{}) {
	logger.Info(e.prefix() + fmt.Sprintf(format, args...))
}

func (e *Entry) Warnf(format string, args ...interface{}) {
	logger.Warn(e.prefix() + fmt.Sprintf(format, args...))
}

func (e *Entry) Errorf(format string, args ...interface{}) {
	logger.Error(e.prefix() + fmt.Sprintf(format, args...))
}

// Debug
func Debug(content interface{}) {
	logger.Debug(content)
}

// Debugf
func Debugf(format string, args ...interface{}) {
	logger.Debug(fmt.Sprintf(format, args...))
}

// Info
func Info(content interface{}) {
	logger.Info(content)
}

// Infof
func Infof(format string, args ...interface{}) {
	logger.Info(fmt.Sprintf(format, args...))
}

// Warn
func Warn(content interface{}) {
	logger.Warn(content)
}

// Warnf
func Warnf(format string, args ...interface{}) {
	logger.Warn(fmt.Sprintf(format, args...))
}

// Error
func Error(content interface{}) {
	logger.Error(content)
}

// Errorf
func Errorf(format string, args ...interface{}) {
	logger.Error(fmt.Sprintf(format, args...))
}

// Fatal
func Fatal(content interface{}) {
	logger.Fatal(content)
}

// Fatalf
func Fatalf(format string, args ...interface{}) {
	logger.Fatal(fmt.Sprintf(format, args...))
}
