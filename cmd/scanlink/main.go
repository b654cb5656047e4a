// cmd/scanlink/main.go
// ScanLink – pair phones over the LAN and receive their barcode scans

package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:    true,
		DisableColors:    true,
		QuoteEmptyFields: true,
	})
}

func main() {
	flags := pflag.NewFlagSet("scanlink", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "config file (default: scanlink.yaml|yml|json in the working directory)")
	port := flags.IntP("port", "p", 0, "scanner listener port (overrides config)")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	noAutoStart := flags.Bool("no-autostart", false, "do not start the scanner listener until asked through the control API")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scanlink [flags] [version|install|uninstall|start|stop|restart]\n\n")
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	if flags.Arg(0) == "version" {
		fmt.Printf("ScanLink %s (built %s)\n", version, buildDate)
		os.Exit(0)
	}

	prg := &program{
		opts: runOptions{
			ConfigPath:  *configPath,
			Port:        *port,
			LogLevel:    *logLevel,
			NoAutoStart: *noAutoStart,
		},
	}

	svcConfig := &service.Config{
		Name:        "ScanLink",
		DisplayName: "ScanLink Agent",
		Description: "Receives barcode scans from paired phones",
		Arguments:   serviceArgs(prg.opts),
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		logrus.Fatal(err)
	}

	if verb := flags.Arg(0); verb != "" {
		if err := service.Control(s, verb); err != nil {
			logrus.Fatalf("service %s: %v", verb, err)
		}
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() { <-c; _ = s.Stop() }()

	if err := s.Run(); err != nil {
		logrus.Fatal(err)
	}
}

// serviceArgs carries command-line overrides into the installed service,
// with the config path made absolute since services start elsewhere.
func serviceArgs(o runOptions) []string {
	var args []string
	if o.ConfigPath != "" {
		p := o.ConfigPath
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		args = append(args, "--config", p)
	}
	if o.Port != 0 {
		args = append(args, "--port", fmt.Sprint(o.Port))
	}
	if o.LogLevel != "" {
		args = append(args, "--log-level", o.LogLevel)
	}
	if o.NoAutoStart {
		args = append(args, "--no-autostart")
	}
	return args
}
