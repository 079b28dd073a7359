// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logutil is the process-wide structured logger used across the
// shuffle data plane. It wraps zap the same way the rest of the codebase
// does: a package-level *zap.Logger swappable at startup, Printf-style
// helpers for call sites that don't need structured fields, and a
// zap.Field-taking variant for the ones that do.
package logutil

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var global atomic.Pointer[zap.Logger]

func init() {
	l, _ := zap.NewDevelopment()
	global.Store(l)
}

// SetLogger replaces the process-wide logger. Used at startup once a
// Config has been loaded.
func SetLogger(l *zap.Logger) {
	global.Store(l)
}

func logger() *zap.Logger {
	return global.Load()
}

// FileRotationConfig configures the lumberjack-backed production sink.
type FileRotationConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewProductionLogger builds a JSON zap.Logger writing to a rotating file
// (when cfg.Filename is set) in addition to stderr.
func NewProductionLogger(cfg FileRotationConfig, level zapcore.Level) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level),
	}
	if cfg.Filename != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func Debug(msg string, fields ...zap.Field) { logger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { logger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { logger().Error(msg, fields...) }

func Debugf(format string, args ...interface{}) { logger().Sugar().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { logger().Sugar().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { logger().Sugar().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { logger().Sugar().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { logger().Sugar().Fatalf(format, args...) }
