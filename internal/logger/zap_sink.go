// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewZapSink returns a LogSink backed by zap.
func NewZapSink(l *zap.Logger) LogSink {
	if l == nil {
		l = zap.NewNop()
	}
	return zapr.NewLogger(l).GetSink()
}
