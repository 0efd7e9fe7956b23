package logging

import (
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger
var schedulerLogger *logrus.Logger

// level the scheduler logger returns to when verbose mode is switched off
var schedulerBaseLevel atomic.Uint32
var verbose atomic.Bool

func init() {
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: false,
	})
	logger.SetLevel(logrus.InfoLevel)

	schedulerLogger = logrus.New()
	schedulerLogger.SetOutput(os.Stdout)
	schedulerLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: false,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "time",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "scheduler_msg",
		},
	})
	schedulerLogger.SetLevel(logrus.InfoLevel)
	schedulerBaseLevel.Store(uint32(logrus.InfoLevel))
}

func GetLogger() *logrus.Logger {
	return logger
}

func GetSchedulerLogger() *logrus.Logger {
	return schedulerLogger
}

func SetLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(logLevel)
	return nil
}

func SetSchedulerLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	schedulerBaseLevel.Store(uint32(logLevel))
	if !verbose.Load() || logLevel > logrus.DebugLevel {
		schedulerLogger.SetLevel(logLevel)
	}
	return nil
}

// SetVerbose raises the scheduler logger to debug while enabled.
func SetVerbose(on bool) {
	verbose.Store(on)
	base := logrus.Level(schedulerBaseLevel.Load())
	if on && base < logrus.DebugLevel {
		schedulerLogger.SetLevel(logrus.DebugLevel)
		return
	}
	schedulerLogger.SetLevel(base)
}

func Verbose() bool {
	return verbose.Load()
}

func SetFormatter(formatter logrus.Formatter) {
	logger.SetFormatter(formatter)
	schedulerLogger.SetFormatter(formatter)
}
