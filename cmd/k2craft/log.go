package main

import (
	"io"
	"log/slog"
	"path/filepath"

	"github.com/ham-lab-isu/K2craft/internal/config"
	"github.com/ham-lab-isu/K2craft/internal/logging"
	"github.com/ham-lab-isu/K2craft/internal/mirror"
	"github.com/ham-lab-isu/K2craft/internal/outputs"
	"github.com/ham-lab-isu/K2craft/internal/panel"
	"github.com/ham-lab-isu/K2craft/internal/station"
	"github.com/ham-lab-isu/K2craft/internal/transport"
)

const logFileName = "k2craft.log"

// log is the MAIN subsystem logger; every other subsystem gets its own
// logger from the same backend in initLogging.
var log = logging.Disabled()

var subsystemLoggers = map[string]func(*slog.Logger){
	"SRVR": transport.UseLogger,
	"STAT": station.UseLogger,
	"PANL": panel.UseLogger,
	"MIRR": mirror.UseLogger,
	"OUTS": outputs.UseLogger,
}

// initLogging creates the backend writing to console and, when a log
// directory is configured, to a rotated file. The caller closes it.
func initLogging(cfg *config.Config, console io.Writer) (*logging.Backend, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	backend := logging.NewBackend(console)
	backend.SetLevel(level)
	if cfg.LogDir != "" {
		if err := backend.InitRotator(filepath.Join(cfg.LogDir, logFileName)); err != nil {
			return nil, err
		}
	}
	log = backend.Logger("MAIN")
	for name, use := range subsystemLoggers {
		use(backend.Logger(name))
	}
	return backend, nil
}
