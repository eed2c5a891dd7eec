// Package client implements the client façade: Process, which runs a
// full copy job, and ReportServerStatus, which opens one connection to
// query a server's health without running a job.
package client

import (
	"context"

	"github.com/turbocopy/turbocopy/internal/jobconfig"
	"github.com/turbocopy/turbocopy/internal/protocol"
	"github.com/turbocopy/turbocopy/internal/scheduler"
	"github.com/turbocopy/turbocopy/internal/stats"
	"github.com/turbocopy/turbocopy/internal/xerrors"
)

// Process exit codes.
const (
	ExitSuccess     = 0
	ExitFailures    = 1
	ExitConfigError = -1
)

// Process runs one job to completion and maps the outcome onto an
// exit code: 0 clean, 1 if any entry failed, -1 on a configuration
// error that aborted before work started.
func Process(ctx context.Context, cfg *jobconfig.Config, explicitFiles []string, log scheduler.Logger) (stats.Delta, int) {
	if err := cfg.Validate(); err != nil {
		log.Errorf("configuration error: %v", err)
		return stats.Delta{}, ExitConfigError
	}
	if warn := cfg.PurgeDepthWarning(); warn != "" {
		log.Warnf("%s", warn)
	}

	job := scheduler.New(cfg, log)
	delta, err := job.Run(ctx, explicitFiles)
	if err != nil {
		if xerrors.KindOf(err) == xerrors.ConfigError {
			log.Errorf("configuration error: %v", err)
			return delta, ExitConfigError
		}
		log.Errorf("job aborted: %v", err)
		return delta, ExitFailures
	}
	return delta, delta.ExitCode()
}

// ReportServerStatus opens a single connection to cfg's inferred (or
// explicit) server address, issues ServerStatus, and returns the
// report alongside an exit code. It never runs a job.
func ReportServerStatus(ctx context.Context, cfg *jobconfig.Config, log scheduler.Logger) (protocol.ServerStatusReply, int) {
	if err := cfg.Validate(); err != nil {
		log.Errorf("configuration error: %v", err)
		return protocol.ServerStatusReply{}, ExitConfigError
	}
	if cfg.ServerAddress == "" {
		log.Errorf("no server address given or inferable from destination")
		return protocol.ServerStatusReply{}, ExitConfigError
	}

	conn, err := protocol.Dial(ctx, protocol.Options{
		Address:            cfg.ServerAddress,
		Port:               cfg.ServerPort,
		ConnectTimeout:     cfg.ConnectTimeout(),
		CompressionEnabled: cfg.CompressionEnabled,
		CompressionLevel:   cfg.CompressionLevel,
	})
	if err != nil {
		log.Errorf("connect to %s:%d: %v", cfg.ServerAddress, cfg.ServerPort, err)
		return protocol.ServerStatusReply{}, ExitFailures
	}
	defer conn.Close()

	report, err := conn.ServerStatus()
	if err != nil {
		log.Errorf("server status: %v", err)
		return protocol.ServerStatusReply{}, ExitFailures
	}
	log.Infof("server %s:%d: %+v", cfg.ServerAddress, cfg.ServerPort, report)
	return report, ExitSuccess
}
