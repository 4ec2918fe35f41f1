// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"

	"iscsitarget/pkg/common"
)

type LogLevel int

const (
	Error = LogLevel(iota)
	Warning
	Info
	Debug
)

var logFileLock = &sync.Mutex{}

type LoggingConfig struct {
	level      LogLevel
	base       *logrus.Logger
	logRotator *lumberjack.Logger
}

// Logger tags every entry with the call site that emitted it.
type Logger struct {
	entry *logrus.Entry
}

var logFileInstance *LoggingConfig

func GetLoggingConfig() *LoggingConfig {
	logFileLock.Lock()
	defer logFileLock.Unlock()
	if logFileInstance == nil {
		base := logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		base.SetLevel(logrus.InfoLevel)
		logFileInstance = &LoggingConfig{
			level: Info,
			base:  base,
		}
	}
	return logFileInstance
}

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case Error:
		return logrus.ErrorLevel
	case Warning:
		return logrus.WarnLevel
	case Debug:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

func SetLoggingConfig(level LogLevel) {
	loggingConfig := GetLoggingConfig()
	logFileLock.Lock()
	defer logFileLock.Unlock()
	loggingConfig.level = level
	loggingConfig.base.SetLevel(toLogrusLevel(level))
}

// ParseLogLevel accepts the names used on the command line.
func ParseLogLevel(name string) (LogLevel, bool) {
	switch strings.ToLower(name) {
	case "error":
		return Error, true
	case "warn", "warning":
		return Warning, true
	case "info":
		return Info, true
	case "debug":
		return Debug, true
	}
	return Info, false
}

// StartLoggingToFile duplicates the log stream into a size-rotated file.
func StartLoggingToFile(fileName string, maxSizeMegabytes, maxAgeDays, maxBackups int) {
	loggingConfig := GetLoggingConfig()
	logFileLock.Lock()
	defer logFileLock.Unlock()
	loggingConfig.logRotator = &lumberjack.Logger{
		Filename:   fileName,
		MaxSize:    maxSizeMegabytes,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		LocalTime:  true,
	}
	loggingConfig.base.SetOutput(io.MultiWriter(os.Stderr, loggingConfig.logRotator))
}

// StopLoggingToFile flushes and closes the rotated file, if any.
func StopLoggingToFile() error {
	loggingConfig := GetLoggingConfig()
	logFileLock.Lock()
	defer logFileLock.Unlock()
	if loggingConfig.logRotator == nil {
		return nil
	}
	loggingConfig.base.SetOutput(os.Stderr)
	err := loggingConfig.logRotator.Close()
	loggingConfig.logRotator = nil
	return err
}

func GetLogger() *Logger {
	return &Logger{entry: logrus.NewEntry(GetLoggingConfig().base)}
}

// WithField returns a logger carrying an extra structured field.
func (logger Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: logger.entry.WithField(key, value)}
}

// at is called directly by each logging method, so the emitting call
// site is three frames up.
func (logger Logger) at() *logrus.Entry {
	return logger.entry.WithField("caller", common.CallerTraceInfo(3))
}

func (logger Logger) Error(data ...any) {
	logger.at().Error(data...)
}

func (logger Logger) Warn(data ...any) {
	logger.at().Warn(data...)
}

func (logger Logger) Warning(data ...any) {
	logger.at().Warn(data...)
}

func (logger Logger) Info(data ...any) {
	logger.at().Info(data...)
}

func (logger Logger) Debug(data ...any) {
	logger.at().Debug(data...)
}

func (logger Logger) Errorf(format string, a ...any) {
	logger.at().Errorf(format, a...)
}

func (logger Logger) Warnf(format string, a ...any) {
	logger.at().Warnf(format, a...)
}

func (logger Logger) Warningf(format string, a ...any) {
	logger.at().Warnf(format, a...)
}

func (logger Logger) Infof(format string, a ...any) {
	logger.at().Infof(format, a...)
}

func (logger Logger) Debugf(format string, a ...any) {
	logger.at().Debugf(format, a...)
}

// Writer logs every written line at info level. Close it when done.
func (logger Logger) Writer() *io.PipeWriter {
	return logger.entry.WriterLevel(logrus.InfoLevel)
}
