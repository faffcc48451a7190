// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"io"
	"os"
	"time"

	"github.com/emiago/callbridge/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogger configures global logger. LOG_LEVEL env wins over config.
// Returned closer is nil without log file.
func setupLogger(conf config.LogConfig) io.Closer {
	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev, err = zerolog.ParseLevel(conf.Level)
		if err != nil || lev == zerolog.NoLevel {
			lev = zerolog.InfoLevel
		}
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	var out io.Writer = zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}

	var closer io.Closer
	if conf.File.Filename != "" {
		file := &lumberjack.Logger{
			Filename:   conf.File.Filename,
			MaxSize:    conf.File.MaxSize,    // megabytes
			MaxBackups: conf.File.MaxBackups, // number of backups
			MaxAge:     conf.File.MaxAge,     // days
			Compress:   conf.File.Compress,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger().Level(lev)
	return closer
}
