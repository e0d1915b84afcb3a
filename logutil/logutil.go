package logutil

import (
	"io"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
)

var (
	logLevels = map[string]log.Level{
		"debug": log.DebugLevel,
		"info":  log.InfoLevel,
		"warn":  log.WarnLevel,
		"error": log.ErrorLevel}
)

// InitLog routes all logrus output into an hourly-rotated file and
// silences the default stderr writer.
func InitLog(logfile string, loglevel string) {
	hook := newLfsHook(logfile, loglevel, 3)
	log.AddHook(hook)
	log.SetOutput(io.Discard)
}

// InitConsole keeps logrus on stderr, only adjusting the level.
func InitConsole(loglevel string) {
	setLevel(loglevel)
	log.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})
}

func newLfsHook(logName string, logLevel string, maxRemainCnt uint) log.Hook {
	writer, err := rotatelogs.New(
		logName+".%Y%m%d%H",
		rotatelogs.WithLinkName(logName),
		rotatelogs.WithRotationTime(time.Hour),
		rotatelogs.WithRotationCount(maxRemainCnt),
	)

	if err != nil {
		log.Errorf("config local file system for logger error: %v", err)
	}

	setLevel(logLevel)

	lfsHook := lfshook.NewHook(lfshook.WriterMap{
		log.DebugLevel: writer,
		log.InfoLevel:  writer,
		log.WarnLevel:  writer,
		log.ErrorLevel: writer,
		log.FatalLevel: writer,
		log.PanicLevel: writer,
	}, &log.TextFormatter{DisableColors: true})

	return lfsHook
}

func setLevel(logLevel string) {
	if level, ok := logLevels[logLevel]; ok {
		log.SetLevel(level)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
