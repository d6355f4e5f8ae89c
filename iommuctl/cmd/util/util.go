// Copyright 2024 The gVisor Authors.
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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gvisor.dev/amdiommu/pkg/errors/iommuerr"
	"gvisor.dev/amdiommu/pkg/log"
)

// ErrorLogger is where error messages should be written to, in addition to
// the debug log.
var ErrorLogger io.Writer

type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Errorf logs the error to the debug log, stderr and ErrorLogger, and
// returns it.
func Errorf(format string, args ...any) error {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)

	errMsg := fmt.Sprintf(format, args...)
	writeError(errMsg)
	return fmt.Errorf("%s", errMsg)
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process. The
// exit code is 128 plus the errno of the first error argument.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	code := 128
	for _, a := range args {
		if err, ok := a.(error); ok {
			code = 128 + int(iommuerr.ToErrno(err))
			break
		}
	}
	os.Exit(code)
}

func writeError(msg string) {
	if ErrorLogger == nil {
		return
	}
	b, err := json.Marshal(jsonError{
		Msg:   msg,
		Level: "error",
		Time:  time.Now(),
	})
	if err != nil {
		log.Warningf("marshaling error message %q: %v", msg, err)
		return
	}
	ErrorLogger.Write(append(b, '\n'))
}
