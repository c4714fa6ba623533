package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/trymwestin/goveed/internal/config"
)

// options holds the parsed command line.
type options struct {
	configPath  string
	verbose     bool
	showVersion bool

	// set records the overrides given on the command line; unset flags
	// leave the file/env configuration alone.
	set map[string]bool

	address          string
	port             int
	pollerAddress    string
	lanTimeout       seconds
	lanPollInterval  seconds
	bleIdleTimeout   seconds
	blePollInterval  seconds
	httpPollInterval seconds
	apiKey           string
}

// seconds is a flag.Value accepting "5", "0.5" or "5s".
type seconds time.Duration

func (s *seconds) String() string { return time.Duration(*s).String() }

func (s *seconds) Set(v string) error {
	d, err := config.ParseSeconds(v)
	if err != nil {
		return err
	}
	*s = seconds(d)
	return nil
}

// parseFlags parses args (without the program name). Every option has a short
// and a long spelling, both accepted with one or two dashes.
func parseFlags(args []string, out io.Writer) (*options, error) {
	def := config.Defaults()
	o := &options{
		set:              make(map[string]bool),
		address:          def.Server.Address,
		port:             def.Server.Port,
		pollerAddress:    def.Govee.PollerAddress,
		lanTimeout:       seconds(def.Govee.LANControlTimeout),
		lanPollInterval:  seconds(def.Govee.LANPollInterval),
		bleIdleTimeout:   seconds(def.Govee.BLEIdleTimeout),
		blePollInterval:  seconds(def.Govee.BLEPollInterval),
		httpPollInterval: seconds(def.Govee.HTTPPollInterval),
	}

	fs := flag.NewFlagSet("goveed", flag.ContinueOnError)
	fs.SetOutput(out)

	str := func(p *string, short, long, usage string) {
		fs.StringVar(p, short, *p, usage)
		fs.StringVar(p, long, *p, usage)
	}
	dur := func(p *seconds, short, long, usage string) {
		fs.Var(p, short, usage)
		fs.Var(p, long, usage)
	}

	fs.StringVar(&o.configPath, "c", "goveed.yaml", "path to the YAML config file")
	fs.StringVar(&o.configPath, "config", "goveed.yaml", "path to the YAML config file")
	str(&o.address, "s", "source-address", "websocket server address")
	fs.IntVar(&o.port, "p", o.port, "websocket server port")
	fs.IntVar(&o.port, "source-port", o.port, "websocket server port")
	str(&o.pollerAddress, "l", "lan-poller-address", "local address for the LAN poller")
	dur(&o.lanTimeout, "lt", "lan-control-timeout", "timeout for device responses, in seconds")
	dur(&o.lanPollInterval, "lp", "lan-poll-interval", "LAN polling interval, in seconds")
	dur(&o.bleIdleTimeout, "bt", "ble-idle-timeout", "idle time before a BLE link is released, in seconds")
	dur(&o.blePollInterval, "bp", "ble-poll-interval", "BLE polling interval, in seconds")
	dur(&o.httpPollInterval, "hp", "http-poll-interval", "HTTP polling interval, in seconds")
	str(&o.apiKey, "a", "api-key", "Govee API key; enables BLE and HTTP devices")
	fs.BoolVar(&o.verbose, "v", false, "enable verbose logging")
	fs.BoolVar(&o.verbose, "verbose", false, "enable verbose logging")
	fs.BoolVar(&o.showVersion, "version", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	aliases := map[string]string{
		"s": "source-address", "p": "source-port", "l": "lan-poller-address",
		"lt": "lan-control-timeout", "lp": "lan-poll-interval", "bt": "ble-idle-timeout",
		"bp": "ble-poll-interval", "hp": "http-poll-interval", "a": "api-key",
	}
	fs.Visit(func(f *flag.Flag) {
		name := f.Name
		if long, ok := aliases[name]; ok {
			name = long
		}
		o.set[name] = true
	})
	return o, nil
}

// apply overlays the flags given on the command line onto cfg.
func (o *options) apply(cfg *config.Config) {
	if o.set["source-address"] {
		cfg.Server.Address = o.address
	}
	if o.set["source-port"] {
		cfg.Server.Port = o.port
	}
	if o.set["lan-poller-address"] {
		cfg.Govee.PollerAddress = o.pollerAddress
	}
	if o.set["lan-control-timeout"] {
		cfg.Govee.LANControlTimeout = time.Duration(o.lanTimeout)
	}
	if o.set["lan-poll-interval"] {
		cfg.Govee.LANPollInterval = time.Duration(o.lanPollInterval)
	}
	if o.set["ble-idle-timeout"] {
		cfg.Govee.BLEIdleTimeout = time.Duration(o.bleIdleTimeout)
	}
	if o.set["ble-poll-interval"] {
		cfg.Govee.BLEPollInterval = time.Duration(o.blePollInterval)
	}
	if o.set["http-poll-interval"] {
		cfg.Govee.HTTPPollInterval = time.Duration(o.httpPollInterval)
	}
	if o.set["api-key"] {
		cfg.Govee.APIKey = o.apiKey
	}
}
