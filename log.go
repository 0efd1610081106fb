// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LogConfig describes the logging setup.
type LogConfig struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// ConfigureLogging applies c to the standard logrus logger.
// An empty level or format leaves the current setting.
func ConfigureLogging(c LogConfig) error {
	if c.Level != "" {
		lvl, err := log.ParseLevel(c.Level)
		if err != nil {
			return errors.Wrapf(err, "logging.level %q", c.Level)
		}
		log.SetLevel(lvl)
	}

	log.SetReportCaller(c.ReportCaller)

	switch c.Format {
	case "":
	case "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		return errors.Errorf("logging.format %q: want text or json", c.Format)
	}
	return nil
}
