// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func Test_ConfigureLogging(t *testing.T) {
	logger := log.StandardLogger()
	level, formatter, caller := logger.GetLevel(), logger.Formatter, logger.ReportCaller
	defer func() {
		log.SetLevel(level)
		log.SetFormatter(formatter)
		log.SetReportCaller(caller)
	}()

	assert.NoError(t, ConfigureLogging(LogConfig{Level: "debug", Format: "json", ReportCaller: true}))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, logger.Formatter)
	assert.True(t, logger.ReportCaller)

	assert.NoError(t, ConfigureLogging(LogConfig{Format: "text"}))
	assert.Equal(t, log.DebugLevel, log.GetLevel(), "empty level keeps the current one")
	assert.IsType(t, &log.TextFormatter{}, logger.Formatter)
	assert.False(t, logger.ReportCaller)

	assert.Error(t, ConfigureLogging(LogConfig{Level: "loud"}))
	assert.Error(t, ConfigureLogging(LogConfig{Format: "xml"}))
}
