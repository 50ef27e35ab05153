package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/3cpo-dev/jetrun/internal/backends"
	"github.com/3cpo-dev/jetrun/internal/backends/local"
	"github.com/3cpo-dev/jetrun/internal/backends/slurm"
	"github.com/3cpo-dev/jetrun/internal/core"
	gssh "github.com/3cpo-dev/jetrun/internal/ssh"
)

// resolveBackend registers the configured backends and returns the selected one.
func resolveBackend(cfg core.Config) (*backends.Registry, backends.Backend, error) {
	reg := backends.NewRegistry()
	reg.Register(local.New(local.Config{
		Workers: cfg.Local.Workers,
		LogDir:  cfg.Local.LogDir,
		Shell:   cfg.Local.Shell,
	}))
	if cfg.Backend == "slurm" {
		sb, err := newSlurmBackend(cfg)
		if err != nil {
			_ = reg.Close()
			return nil, nil, err
		}
		reg.Register(sb)
	}
	b, err := reg.Get(cfg.Backend)
	if err != nil {
		_ = reg.Close()
		return nil, nil, err
	}
	return reg, b, nil
}

func newSlurmBackend(cfg core.Config) (*slurm.Backend, error) {
	sc := cfg.Slurm
	var cmdr slurm.Commander = slurm.ExecCommander{}
	if sc.Remote.Host != "" {
		signer, err := gssh.LoadPrivateKeySigner(sc.Remote.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("slurm remote: %w", err)
		}
		kh, err := gssh.LoadKnownHostsCallback(sc.Remote.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("slurm remote: %w", err)
		}
		port := sc.Remote.Port
		if port == 0 {
			port = 22
		}
		cmdr = &slurm.SSHCommander{
			Client: &gssh.Client{
				Addr:       net.JoinHostPort(sc.Remote.Host, strconv.Itoa(port)),
				User:       sc.Remote.User,
				Signer:     signer,
				KnownHosts: kh,
				Timeout:    15 * time.Second,
				Retries:    2,
				Backoff:    500 * time.Millisecond,
			},
			RemoteDir: sc.Remote.RemoteDir,
		}
	}
	return slurm.New(slurm.Config{
		SbatchArgs:       sc.SbatchArgs,
		ScriptDir:        sc.ScriptDir,
		LogDir:           sc.LogDir,
		UpdateFrequency:  sc.UpdateFrequency,
		MaxUpdateWait:    sc.MaxUpdateWait,
		MaxConcurrency:   sc.MaxConcurrency,
		QueriesPerSecond: sc.QueriesPerSecond,
	}, cmdr), nil
}
