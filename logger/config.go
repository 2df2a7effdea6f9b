// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/vdfs/conf"
)

var (
	logFile    *os.File
	logTargets []io.Writer
)

// Up configures logging from the Logging section of confMap. It is called
// directly by transitions.Up before any registered package comes up.
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if "" != logFilePath {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
	}

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = false
		err = nil
	}

	resetOutput(logToConsole)

	// Filtering happens here rather than in logrus
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	return
}

func Down() (err error) {
	if nil != logFile {
		err = logFile.Close()
		logFile = nil
	}
	logTargets = nil
	log.SetOutput(os.Stderr)
	for pkg := range packageTraceSettings {
		packageTraceSettings[pkg] = false
	}
	traceLevelEnabled = false
	return
}

// AddLogTarget sends a copy of every subsequent log entry to writer.
func AddLogTarget(writer io.Writer) {
	logTargets = append(logTargets, writer)
	resetOutput(nil == logFile)
}

func resetOutput(includeConsole bool) {
	writers := make([]io.Writer, 0, 2+len(logTargets))

	if nil != logFile {
		writers = append(writers, logFile)
	}
	if includeConsole || (nil == logFile) {
		writers = append(writers, os.Stderr)
	}
	writers = append(writers, logTargets...)

	log.SetOutput(io.MultiWriter(writers...))
}

func setTraceLoggingLevel(confStrSlice []string) {
	traceLevelEnabled = false

	for _, pkg := range confStrSlice {
		if "none" == pkg {
			break
		}
		if _, ok := packageTraceSettings[pkg]; ok {
			packageTraceSettings[pkg] = true
			traceLevelEnabled = true
		}
	}

	if traceLevelEnabled {
		for pkg, isEnabled := range packageTraceSettings {
			if isEnabled {
				Infof("Package %v trace logging is enabled.", pkg)
			}
		}
	}
}
