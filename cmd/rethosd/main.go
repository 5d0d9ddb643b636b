package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"Usage: %s [flags] <serial> <baudrate> [<ipv6-prefix>]\n\n"+
			"The provided ipv6-prefix is interpreted as a /64 prefix for the\n"+
			"subnet. PREFIX::1 is the address of this device on the link and\n"+
			"PREFIX::2 the address of the MCU. Without a prefix no tunnel\n"+
			"interface is created and only local processes are bridged.\n\n"+
			"Flags:\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var (
		configFile = flag.String("config", "", "TOML configuration file, replaces the positional arguments")
		profiling  = flag.Bool("profile", false, "write a CPU profile to the working directory")
	)
	flag.Usage = usage
	flag.Parse()

	var (
		conf tomlConfig
		err  error
	)
	if *configFile != "" {
		conf, err = parseConfigFile(*configFile)
	} else {
		conf, err = parseArgs(flag.Args())
	}
	if err != nil {
		log.WithError(err).Fatal("Failed to parse configuration")
	}

	setupLogging(conf.Logging)

	if *profiling {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	c, err := buildCore(conf, os.Stdin, os.Stdout)
	if err != nil {
		log.WithError(err).Fatal("Failed to start up")
	}

	sigint := make(chan struct{})
	go func() {
		waitSigint()
		close(sigint)
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- c.Run()
	}()

	select {
	case err := <-runErr:
		_ = c.Close()
		log.WithError(err).Fatal("Dispatcher failed")

	case <-sigint:
		log.Info("Shutting down..")
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("Shutdown errored")
		}
	}
}
