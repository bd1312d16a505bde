// Package config holds the agent and controller configuration value
// objects. A value is built once at startup (defaults, then YAML files,
// then command line flags) and passed down by pointer; nothing in the
// module reads configuration from package state.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/lattesec/modfleet/internal/env"
	"github.com/lattesec/modfleet/pkg/log"
	"github.com/spf13/pflag"
)

var (
	ErrAddressRequired   = errors.New("address is required")
	ErrInvalidPort       = errors.New("invalid port")
	ErrInvalidBufferSize = errors.New("buffer size must be positive")
	ErrInvalidMaxErrors  = errors.New("max errors must be positive")
	ErrDirRequired       = errors.New("directory is required")
)

// Logging is shared by both binaries.
type Logging struct {
	File  string `yaml:"log_file"`
	Level string `yaml:"log_level"`
}

func (l *Logging) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&l.File, "log-file", l.File, "append logs to this file in addition to the console")
	fs.StringVar(&l.Level, "log-level", l.Level, "console log level (trace, debug, info, warn, error, quiet)")
}

// Apply initialises pkg/log from the logging settings.
func (l *Logging) Apply() error {
	lvl, err := log.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	return log.Init(l.File, lvl)
}

// TLS is optional; the protocol itself runs in plaintext.
type TLS struct {
	Enabled            bool   `yaml:"tls"`
	CertFile           string `yaml:"tls_cert"`
	KeyFile            string `yaml:"tls_key"`
	CAFile             string `yaml:"tls_ca"`
	ServerName         string `yaml:"tls_server_name"`
	InsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
}

// Agent configures the host resident agent.
type Agent struct {
	ControllerHost string `yaml:"controller_host"`
	ControllerPort int    `yaml:"controller_port"`

	Interface   string `yaml:"interface"`    // interface whose MAC identifies the host
	Release     string `yaml:"release"`      // overrides the running kernel release when set
	DownloadDir string `yaml:"download_dir"` // received modules land here
	SymversPath string `yaml:"symvers_path"` // dependency file sent on send_symvers

	RetryInterval time.Duration `yaml:"retry_interval"` // fixed sleep between refused connects
	MaxErrors     int           `yaml:"max_errors"`     // session error ceiling
	BufferSize    int           `yaml:"buffer_size"`    // single read size for envelopes and headers

	StatusFamily  int    `yaml:"status_netlink_family"`
	StatusMsgType uint16 `yaml:"status_msg_type"`

	InsmodPath string `yaml:"insmod_path"`
	RmmodPath  string `yaml:"rmmod_path"`

	Controlled bool `yaml:"controlled"` // wait for operator confirmation before the first check-in

	TLS     `yaml:",inline"`
	Logging `yaml:",inline"`
}

func DefaultAgent() *Agent {
	return &Agent{
		ControllerHost: "127.0.0.1",
		ControllerPort: 65432,

		Interface:   "eth0",
		DownloadDir: "/var/lib/modfleet/modules",
		SymversPath: "/usr/src/linux/Module.symvers",

		RetryInterval: 5 * time.Second,
		MaxErrors:     10,
		BufferSize:    1024,

		StatusFamily:  31,
		StatusMsgType: 3,

		InsmodPath: "insmod",
		RmmodPath:  "rmmod",

		Logging: Logging{Level: "info"},
	}
}

// Address is the controller's host:port.
func (a *Agent) Address() string {
	return net.JoinHostPort(a.ControllerHost, strconv.Itoa(a.ControllerPort))
}

func (a *Agent) Validate() error {
	var errs []error
	if a.ControllerHost == "" {
		errs = append(errs, ErrAddressRequired)
	}
	if a.ControllerPort <= 0 || a.ControllerPort > 65535 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidPort, a.ControllerPort))
	}
	if a.BufferSize <= 0 {
		errs = append(errs, ErrInvalidBufferSize)
	}
	if a.MaxErrors <= 0 {
		errs = append(errs, ErrInvalidMaxErrors)
	}
	if a.DownloadDir == "" {
		errs = append(errs, fmt.Errorf("download dir: %w", ErrDirRequired))
	}
	if a.RetryInterval < 0 {
		errs = append(errs, errors.New("retry interval must not be negative"))
	}
	if _, err := log.ParseLevel(a.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Agent) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&a.ControllerHost, "ip", a.ControllerHost, "controller address")
	fs.IntVar(&a.ControllerPort, "port", a.ControllerPort, "controller port")
	fs.StringVar(&a.Interface, "iface", a.Interface, "interface name used for the host MAC")
	fs.StringVar(&a.Release, "release", a.Release, "kernel release to report (default: running kernel)")
	fs.StringVar(&a.DownloadDir, "dir", a.DownloadDir, "module download directory")
	fs.StringVar(&a.SymversPath, "symvers", a.SymversPath, "path of the Module.symvers file")
	fs.DurationVar(&a.RetryInterval, "retry-interval", a.RetryInterval, "sleep between connection attempts")
	fs.IntVar(&a.MaxErrors, "max-errors", a.MaxErrors, "errors tolerated per session before reconnecting")
	fs.IntVar(&a.BufferSize, "buffer-size", a.BufferSize, "read buffer size for commands and headers")
	fs.IntVar(&a.StatusFamily, "status-family", a.StatusFamily, "netlink family of the local status interface")
	fs.Uint16Var(&a.StatusMsgType, "status-msg-type", a.StatusMsgType, "netlink message type for status requests")
	fs.StringVar(&a.InsmodPath, "insmod", a.InsmodPath, "module load command")
	fs.StringVar(&a.RmmodPath, "rmmod", a.RmmodPath, "module unload command")
	fs.BoolVar(&a.Controlled, "controlled", a.Controlled, "require operator input before the first check-in")
	fs.BoolVar(&a.TLS.Enabled, "tls", a.TLS.Enabled, "connect to the controller over TLS")
	fs.StringVar(&a.TLS.CAFile, "tls-ca", a.TLS.CAFile, "CA bundle used to verify the controller")
	fs.StringVar(&a.TLS.ServerName, "tls-server-name", a.TLS.ServerName, "expected controller certificate name")
	fs.BoolVar(&a.TLS.InsecureSkipVerify, "tls-insecure", a.TLS.InsecureSkipVerify, "skip controller certificate verification")
	a.Logging.bindFlags(fs)
}

// Controller configures the central controller.
type Controller struct {
	Listen     string `yaml:"listen"`
	DBPath     string `yaml:"db_path"`
	SymversDir string `yaml:"symvers_dir"`
	OutboxDir  string `yaml:"outbox_dir"` // <outbox>/<host>/*.ko are pushed to that host

	BufferSize  int `yaml:"buffer_size"`
	MaxErrors   int `yaml:"max_errors"`
	MaxSessions int `yaml:"max_sessions"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReplyTimeout     time.Duration `yaml:"reply_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"` // revocation sweep + report cadence

	FullReportEvery int `yaml:"full_report_every"` // cycles between full reports, the first cycle always pulls one

	TLS     `yaml:",inline"`
	Logging `yaml:",inline"`
}

func DefaultController() *Controller {
	return &Controller{
		Listen:     ":65432",
		DBPath:     "/var/lib/modfleet/fleet.db",
		SymversDir: "/var/lib/modfleet/symvers",
		OutboxDir:  "/var/lib/modfleet/outbox",

		BufferSize:  1024,
		MaxErrors:   10,
		MaxSessions: 256,

		HandshakeTimeout: 30 * time.Second,
		ReplyTimeout:     2 * time.Minute,
		PollInterval:     time.Minute,

		FullReportEvery: 10,

		Logging: Logging{Level: "info"},
	}
}

func (c *Controller) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, ErrAddressRequired)
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db path is required"))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, ErrInvalidBufferSize)
	}
	if c.MaxErrors <= 0 {
		errs = append(errs, ErrInvalidMaxErrors)
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, errors.New("max sessions must be positive"))
	}
	if c.FullReportEvery <= 0 {
		errs = append(errs, errors.New("full report interval must be positive"))
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls requires a certificate and key"))
	}
	if _, err := log.ParseLevel(c.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Listen, "listen", c.Listen, "address to accept agents on")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "fleet store database path")
	fs.StringVar(&c.SymversDir, "symvers-dir", c.SymversDir, "where uploaded Module.symvers files are kept")
	fs.StringVar(&c.OutboxDir, "outbox-dir", c.OutboxDir, "per host directories of built modules waiting for delivery")
	fs.IntVar(&c.BufferSize, "buffer-size", c.BufferSize, "read buffer size for replies and headers")
	fs.IntVar(&c.MaxErrors, "max-errors", c.MaxErrors, "errors tolerated per session before dropping it")
	fs.IntVar(&c.MaxSessions, "max-sessions", c.MaxSessions, "concurrently served agents")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "time allowed for the identity handshake")
	fs.DurationVar(&c.ReplyTimeout, "reply-timeout", c.ReplyTimeout, "time allowed for an agent reply")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "interval between report pulls and revocation sweeps")
	fs.IntVar(&c.FullReportEvery, "full-report-every", c.FullReportEvery, "poll cycles per full report, the rest pull a plain report")
	fs.BoolVar(&c.TLS.Enabled, "tls", c.TLS.Enabled, "serve agents over TLS")
	fs.StringVar(&c.TLS.CertFile, "tls-cert", c.TLS.CertFile, "TLS certificate")
	fs.StringVar(&c.TLS.KeyFile, "tls-key", c.TLS.KeyFile, "TLS key")
	c.Logging.bindFlags(fs)
}

var (
	_ env.Configurable = (*Agent)(nil)
	_ env.Configurable = (*Controller)(nil)
)
