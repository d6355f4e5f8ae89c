// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package log

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger limits each distinct format string on its own, so a burst
// of one diagnostic does not hide a different one. Suppressed messages are
// counted and reported with the next one that gets through.
type rateLimitedLogger struct {
	logger Logger
	every  time.Duration

	mu sync.Mutex

	// +checklocks:mu
	limits map[string]*formatLimit
}

type formatLimit struct {
	limit      *rate.Limiter
	suppressed int
}

// allow reports whether a message with this format may be logged, and how
// many were dropped since the last one that was.
func (rl *rateLimitedLogger) allow(format string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	fl, ok := rl.limits[format]
	if !ok {
		fl = &formatLimit{limit: rate.NewLimiter(rate.Every(rl.every), 1)}
		rl.limits[format] = fl
	}
	if !fl.limit.Allow() {
		fl.suppressed++
		return false, 0
	}
	n := fl.suppressed
	fl.suppressed = 0
	return true, n
}

func (rl *rateLimitedLogger) log(emit func(string, ...any), format string, v []any) {
	ok, suppressed := rl.allow(format)
	if !ok {
		return
	}
	if suppressed > 0 {
		emit(format+" (%d similar messages suppressed)", append(v, suppressed)...)
		return
	}
	emit(format, v...)
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	rl.log(rl.logger.Debugf, format, v)
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	rl.log(rl.logger.Infof, format, v)
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.log(rl.logger.Warningf, format, v)
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration for each format string.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration for each format string.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		every:  every,
		limits: make(map[string]*formatLimit),
	}
}
