// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package log centralizes netloop's structured logging so the reactor
// core never talks to zap directly; embedders can swap the logger with
// SetLogger before starting any loop.
package log

import "go.uber.org/zap"

var logger *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	logger = l.Sugar()
}

// SetLogger replaces the package-level logger, e.g. with a development
// logger in tests or a custom sink in an embedding application.
func SetLogger(l *zap.Logger) {
	logger = l.Sugar()
}

// L returns the current logger.
func L() *zap.SugaredLogger {
	return logger
}
