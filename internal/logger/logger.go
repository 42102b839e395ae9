// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package logger provides the topology layer's component-scoped logging.
package logger

import (
	"os"
	"strings"

	"github.com/bombsimon/logrusr/v4"
	"github.com/sirupsen/logrus"
)

// LogSink represents a logging implementation, this interface should be 1-1
// with the exported "LogSink" interface in the mongo/options package.
type LogSink interface {
	// Info logs a non-error message with the given key/value pairs. The
	// level argument is provided for optional logging.
	Info(level int, msg string, keysAndValues ...interface{})

	// Error logs an error, with the given message and key/value pairs.
	Error(err error, msg string, keysAndValues ...interface{})
}

// Logger represents the configuration for the internal logger.
type Logger struct {
	ComponentLevels map[Component]Level // Log levels for each component.
	Sink            LogSink             // LogSink for log printing.
}

// New will construct a new logger. If any of the given options are the
// zero-value of the argument type, then the constructor will attempt to
// source the data from the environment. If the environment has not been set,
// then the constructor will use the respective default values.
func New(sink LogSink, componentLevels map[Component]Level) *Logger {
	logger := &Logger{
		ComponentLevels: selectComponentLevels(componentLevels),
	}

	if sink != nil {
		logger.Sink = sink
	} else {
		logger.Sink = NewLogrusSink(nil)
	}

	return logger
}

// LevelComponentEnabled will return true if the given LogLevel is enabled for
// the given LogComponent. If the ComponentLevels on the logger are enabled for
// "ComponentAll", then this function will return true for any level bound by
// the level assigned to "ComponentAll".
func (logger *Logger) LevelComponentEnabled(level Level, component Component) bool {
	if logger == nil {
		return false
	}

	if logger.ComponentLevels == nil {
		return false
	}

	return logger.ComponentLevels[component] >= level ||
		logger.ComponentLevels[ComponentAll] >= level
}

// Print will synchronously print the given message to the configured LogSink.
// If the LogSink is nil, then this method will do nothing.
func (logger *Logger) Print(level Level, component Component, msg string, keysAndValues ...interface{}) {
	if logger == nil || logger.Sink == nil || level == LevelOff {
		return
	}

	if !logger.LevelComponentEnabled(level, component) {
		return
	}

	logger.Sink.Info(int(level)-DiffToInfo, msg, keysAndValues...)
}

// Error logs an error, with the given message and key/value pairs.
// It functions similarly to Print, but may have unique behavior, and should be
// preferred for logging errors.
func (logger *Logger) Error(err error, component Component, msg string, keysAndValues ...interface{}) {
	if logger == nil || logger.Sink == nil {
		return
	}

	if !logger.LevelComponentEnabled(LevelInfo, component) {
		return
	}

	logger.Sink.Error(err, msg, keysAndValues...)
}

// NewLogrusSink returns a LogSink backed by logrus. A nil logger uses the
// logrus standard logger.
func NewLogrusSink(l *logrus.Logger) LogSink {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return logrusr.New(l).GetSink()
}

// selectComponentLevels returns a new map of LogComponents to LogLevels that
// is the result of merging the user-defined data with the environment, with
// the user-defined data taking priority.
func selectComponentLevels(componentLevels map[Component]Level) map[Component]Level {
	selected := make(map[Component]Level)

	// Determine if the "MONGODB_LOG_ALL" environment variable is set.
	var globalEnvLevel *Level
	if all := os.Getenv(mongoDBLogAllEnvVar); all != "" {
		level := ParseLevel(all)
		globalEnvLevel = &level
	}

	for envVar, component := range componentEnvVarMap {
		// If the component already has a level, then skip it.
		if _, ok := componentLevels[component]; ok {
			selected[component] = componentLevels[component]

			continue
		}

		// If the "MONGODB_LOG_ALL" environment variable is set, then
		// set the level for the component to the value of the
		// environment variable.
		if globalEnvLevel != nil {
			selected[component] = *globalEnvLevel

			continue
		}

		// Otherwise, set the level for the component to the value of
		// the environment variable.
		selected[component] = ParseLevel(strings.TrimSpace(os.Getenv(envVar)))
	}

	return selected
}
