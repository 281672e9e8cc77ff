// Copyright (C) 2022 myl7
// SPDX-License-Identifier: Apache-2.0

package pbft

import (
	"io"

	"github.com/op/go-logging"
)

var logger = logging.MustGetLogger("pbft")

const logFormat = `%{time:15:04:05.000} %{module} %{level:.4s} %{message}`

// SetupLogging sends logs of all modules to w with level as the lowest level, e.g., "DEBUG" or "WARNING"
func SetupLogging(w io.Writer, level string) error {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return err
	}

	backend := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(logFormat))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return nil
}
