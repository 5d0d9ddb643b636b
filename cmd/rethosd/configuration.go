package main

import (
	"io"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rethos/rethos-go/core"
	"github.com/rethos/rethos-go/tun"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Serial  serialConf
	Tunnel  tunnelConf
	Logging logConf
	Web     webConf
}

// serialConf describes the Serial-configuration block.
type serialConf struct {
	Device   string
	Baudrate int
}

// tunnelConf describes the Tunnel-configuration block. An empty prefix
// disables the tunnel interface.
type tunnelConf struct {
	Prefix string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// webConf describes the Web-configuration block. An empty listen
// address disables the statistics HTTP surface.
type webConf struct {
	Listen string
}

// parseConfigFile loads a TOML configuration.
func parseConfigFile(filename string) (conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}
	if conf.Serial.Device == "" {
		err = errors.New("serial.device is empty")
	}
	return
}

// parseArgs maps the positional command line onto a configuration:
// <serial> <baudrate> [<ipv6-prefix>].
func parseArgs(args []string) (conf tomlConfig, err error) {
	if len(args) != 2 && len(args) != 3 {
		err = errors.New("expected <serial> <baudrate> [<ipv6-prefix>]")
		return
	}

	conf.Serial.Device = args[0]
	conf.Serial.Baudrate, err = strconv.Atoi(args[1])
	if err != nil {
		err = errors.Wrapf(err, "invalid baudrate %q", args[1])
		return
	}

	if len(args) == 3 {
		conf.Tunnel.Prefix = args[2]
	}
	return
}

// setupLogging applies the Logging block to logrus.
func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// buildCore opens the serial line and, if configured, the tunnel
// interface, and assembles the dispatcher around them.
func buildCore(conf tomlConfig, stdin io.Reader, stdout io.Writer) (*core.Core, error) {
	serial, err := core.OpenSerial(conf.Serial.Device, conf.Serial.Baudrate)
	if err != nil {
		return nil, err
	}

	coreConf := core.Config{
		Serial:    serial,
		Stdin:     stdin,
		Stdout:    stdout,
		WebListen: conf.Web.Listen,
	}

	if conf.Tunnel.Prefix != "" {
		dev, err := tun.Open(conf.Tunnel.Prefix)
		if err != nil {
			_ = serial.Close()
			return nil, err
		}

		coreConf.Tunnel = dev
		coreConf.MCUAddr = dev.Subnet.MCU
	} else {
		log.Info("No IPv6 prefix provided; will not forward packets")
	}

	c, err := core.NewCore(coreConf)
	if err != nil {
		_ = serial.Close()
		if coreConf.Tunnel != nil {
			_ = coreConf.Tunnel.Close()
		}
		return nil, err
	}
	return c, nil
}
