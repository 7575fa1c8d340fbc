// Command dlpd is the data-link protocol daemon: it loads a runtime
// configuration file, opens the configured transport, and drives the
// protocol engine's Update loop, mirroring the teacher's cmd/canopen main
// loop (flag-based CLI, logrus level from a flag, a periodic Update tick)
// with a signal-driven ticker loop in place of its INIT/RUNNING app states.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tidemark/dlp/internal/clock"
	"github.com/tidemark/dlp/pkg/config"
	"github.com/tidemark/dlp/pkg/link"
	"github.com/tidemark/dlp/pkg/port"
	_ "github.com/tidemark/dlp/pkg/port/uart"
)

const updatePeriod = 2 * time.Millisecond

func main() {
	confPath := flag.String("c", "/etc/dlp/dlp.ini", "path to the dlp ini configuration file")
	debug := flag.Bool("debug", false, "force debug-level logging regardless of config")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Printf("dlpd: failed to load config %v: %v\n", *confPath, err)
		os.Exit(1)
	}
	if *debug || cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	transport, addr, err := config.ParsePort(cfg.DataPort)
	if err != nil {
		log.WithError(err).Fatal("dlpd: bad data_port")
	}
	p, err := port.NewPort(transport, addr)
	if err != nil {
		log.WithError(err).Fatalf("dlpd: no transport registered for %q", transport)
	}
	if err := p.Open(); err != nil {
		log.WithError(err).Fatalf("dlpd: failed to open %s", cfg.DataPort)
	}
	defer p.Close()

	l := link.New(p, clock.Real{}, cfg.LinkConfig(), cfg.Role)
	l.EnableDebug(cfg.Debug)
	l.UsePort(cfg.UsePort)

	if cfg.DebugPort != "" {
		dbgTransport, dbgAddr, err := config.ParsePort(cfg.DebugPort)
		if err != nil {
			log.WithError(err).Fatal("dlpd: bad debug_port")
		}
		dp, err := port.NewPort(dbgTransport, dbgAddr)
		if err != nil {
			log.WithError(err).Fatalf("dlpd: no transport registered for %q", dbgTransport)
		}
		if err := dp.Open(); err != nil {
			log.WithError(err).Fatalf("dlpd: failed to open debug port %s", cfg.DebugPort)
		}
		defer dp.Close()
		l.SetDebugPort(dp)
	}

	if !cfg.UsePort {
		log.Info("dlpd: use_port disabled in config, data port stays closed to wire traffic until toggled")
	}

	switch cfg.Role {
	case link.RoleMaster:
		l.MasterListen(true)
		log.WithField("port", cfg.DataPort).Info("dlpd: listening as master")
	case link.RoleSlave:
		log.WithField("port", cfg.DataPort).Info("dlpd: connecting as slave")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		ok := l.SlaveConnect(ctx, 30*time.Second)
		cancel()
		if !ok {
			log.Fatal("dlpd: failed to connect to master")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(updatePeriod)
	defer ticker.Stop()

	buf := make([]byte, 4096)
	for {
		select {
		case <-sig:
			log.Info("dlpd: shutting down")
			if cfg.Role == link.RoleSlave && l.SlaveIsConnected() {
				l.SlaveDisconnect()
			} else if cfg.Role == link.RoleMaster {
				l.MasterListen(false)
			}
			return
		case <-ticker.C:
			l.Update()
			if l.IsDataAvailable() {
				if ok, n := l.ReadData(buf); ok {
					os.Stdout.Write(buf[:n])
				}
			}
		}
	}
}
