// cmd/scanlink/daemon.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"

	"github.com/OsbornePro/ScanLink/internal/config"
	"github.com/OsbornePro/ScanLink/internal/control"
	"github.com/OsbornePro/ScanLink/internal/events"
	"github.com/OsbornePro/ScanLink/internal/logging"
	"github.com/OsbornePro/ScanLink/internal/protocol"
	"github.com/OsbornePro/ScanLink/internal/registry"
	"github.com/OsbornePro/ScanLink/internal/server"
	"github.com/OsbornePro/ScanLink/internal/wedge"
	"github.com/OsbornePro/ScanLink/internal/wedge/robot"
)

type runOptions struct {
	ConfigPath  string
	Port        int
	LogLevel    string
	NoAutoStart bool
}

// program is the kardianos/service wrapper around one daemon lifetime.
type program struct {
	opts runOptions

	logCloser io.Closer
	reg       *registry.Registry
	bus       *events.Bus
	mgr       *server.Manager
	api       *control.API

	// cancel ends background consumers such as the wedge.
	cancel context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	cfg, err := config.Load(p.opts.ConfigPath)
	if err != nil {
		return err
	}
	if p.opts.Port != 0 {
		cfg.Port = p.opts.Port
	}
	if p.opts.LogLevel != "" {
		cfg.LogLevel = p.opts.LogLevel
	}

	closer, err := logging.Init(logging.Options{
		File:     cfg.LogFile,
		Dir:      cfg.LogDir,
		Level:    cfg.LogLevel,
		RotateMB: cfg.LogRotateMB,
		Keep:     cfg.LogKeep,
		Stderr:   config.BoolDeref(cfg.LogStderr, true),
		Redact:   config.BoolDeref(cfg.LogRedact, true),
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	p.logCloser = closer
	logrus.Infof("[main] ScanLink %s starting (interactive=%t)", version, service.Interactive())

	p.reg, err = openRegistry(cfg)
	if err != nil {
		return err
	}
	p.bus = events.NewBus()
	p.mgr = server.NewManager(server.Options{
		ListenHost:           cfg.ListenHost,
		AdvertiseHost:        cfg.AdvertiseHost,
		MaxMessageBytes:      int64(cfg.MaxMessageBytes),
		Limits:               protocol.Limits{MaxFieldLen: cfg.MaxFieldLen, MaxBarcodeLen: cfg.MaxBarcodeLen},
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		QROutputDir:          cfg.QROutputDir,
		QROpenViewer:         config.BoolDeref(cfg.QROpenViewer, false),
	}, p.reg, p.bus)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if cfg.WedgeEnabled {
		ch, unsub := p.bus.Subscribe(cfg.EventBuffer)
		w := wedge.New(robot.New(), wedge.Options{
			MaxLen:     cfg.MaxBarcodeLen,
			PressEnter: config.BoolDeref(cfg.WedgePressEnter, true),
		})
		go func() {
			defer unsub()
			w.Run(ctx, ch)
		}()
		logrus.Info("[wedge] keyboard wedge enabled")
	}

	if config.BoolDeref(cfg.ControlAPIEnabled, true) {
		api, err := control.New(control.Options{
			ListenAddr:  cfg.ControlListenAddr,
			TokenFile:   cfg.ControlTokenFile,
			TokenHeader: cfg.ControlTokenHeader,
			DefaultPort: cfg.Port,
			EventBuffer: cfg.EventBuffer,
		}, p.mgr, p.bus)
		if err != nil {
			logrus.WithError(err).Error("[control] control API disabled")
		} else if err := api.ListenAndServe(); err != nil {
			logrus.WithError(err).Error("[control] control API failed to listen")
		} else {
			p.api = api
		}
	}

	if config.BoolDeref(cfg.AutoStart, true) && !p.opts.NoAutoStart {
		if _, err := p.mgr.Start(ctx, cfg.Port); err != nil {
			if errors.Is(err, server.ErrPortInUse) {
				logrus.WithError(err).Error("[main] scanner port busy; start it later through the control API")
			} else {
				cancel()
				return fmt.Errorf("start listener: %w", err)
			}
		}
	}
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if p.api != nil {
		if err := p.api.Close(ctx); err != nil {
			logrus.WithError(err).Warn("[control] shutdown")
		}
	}
	if err := p.mgr.Close(ctx); err != nil {
		logrus.WithError(err).Warn("[main] listener shutdown")
	}
	if err := p.reg.Flush(); err != nil {
		logrus.WithError(err).Warn("[main] could not save devices")
	}
	p.bus.Close()

	logrus.Info("[main] ScanLink stopped")
	if p.logCloser != nil {
		_ = p.logCloser.Close()
	}
	return nil
}

func openRegistry(cfg *config.Config) (*registry.Registry, error) {
	if !cfg.PersistDevices {
		return registry.New(nil), nil
	}
	reg := registry.New(registry.NewSealedFileStore(cfg.DevicesFile, cfg.RequireSealedStore))
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	logrus.WithField("devices", reg.Len()).Infof("[main] loaded devices from %s", cfg.DevicesFile)
	return reg, nil
}
