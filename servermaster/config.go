// Package servermaster hosts the job management side of a server master
// process: job submission, the registry of leadership runners, and the
// liveness coupling between attached clients and their jobs.
package servermaster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	derror "github.com/tributary-io/tributary/pkg/errors"
	"github.com/tributary-io/tributary/resultstore"
)

const (
	defaultDataDir = "/tmp/tributary/artifacts"

	defaultCreateSessionTimeout = 10 * time.Second
	defaultSessionTTL           = 10 * time.Second

	defaultStoreRetryInterval = time.Second
	defaultJobStopTimeout     = 10 * time.Second
	defaultHeartbeatCheck     = time.Second
)

// Duration wraps time.Duration so config files can spell timeouts as
// strings like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// ElectionMode selects how leadership for jobs is coordinated.
type ElectionMode string

const (
	// ElectionModeEtcd coordinates through an etcd cluster. The only mode
	// safe with more than one server master process.
	ElectionModeEtcd ElectionMode = "etcd"
	// ElectionModeStandalone self-grants leadership. Single-process
	// deployments only.
	ElectionModeStandalone ElectionMode = "standalone"
)

// StoreBackend names a job result store implementation.
type StoreBackend string

const (
	StoreBackendEtcd   StoreBackend = "etcd"
	StoreBackendMySQL  StoreBackend = "mysql"
	StoreBackendMemory StoreBackend = "memory"
)

// ElectionConfig configures leader election for this process.
type ElectionConfig struct {
	Mode ElectionMode `toml:"mode" json:"mode"`
	// Endpoints of the etcd cluster; required in etcd mode.
	Endpoints []string `toml:"endpoints" json:"endpoints"`

	CreateSessionTimeout Duration `toml:"create-session-timeout" json:"create-session-timeout"`
	SessionTTL           Duration `toml:"session-ttl" json:"session-ttl"`
}

// StoreConfig selects and configures the job result store backend.
type StoreConfig struct {
	Backend StoreBackend `toml:"backend" json:"backend"`
	// Endpoints of the etcd cluster backing the etcd store. Defaults to the
	// election endpoints.
	Endpoints []string              `toml:"endpoints" json:"endpoints"`
	SQL       resultstore.SQLConfig `toml:"sql" json:"sql"`

	// Retry policy for store operations inside terminal transitions.
	// MaxRetries 0 retries without bound.
	MaxRetries    int      `toml:"max-retries" json:"max-retries"`
	RetryInterval Duration `toml:"retry-interval" json:"retry-interval"`
}

// JobConfig carries the per-process job lifecycle knobs.
type JobConfig struct {
	// StopTimeout bounds how long stopping one job master may take.
	StopTimeout Duration `toml:"stop-timeout" json:"stop-timeout"`
	// HeartbeatCheckInterval is how often attached-client liveness is
	// checked.
	HeartbeatCheckInterval Duration `toml:"heartbeat-check-interval" json:"heartbeat-check-interval"`
}

// Config is the bootstrap configuration of one server master process.
type Config struct {
	// Name identifies this process in elections and logs.
	Name string `toml:"name" json:"name"`
	// DataDir is the directory job artifacts are served from.
	DataDir string `toml:"data-dir" json:"data-dir"`

	LogLevel  string `toml:"log-level" json:"log-level"`
	LogFile   string `toml:"log-file" json:"log-file"`
	LogFormat string `toml:"log-format" json:"log-format"`

	Election    ElectionConfig `toml:"election" json:"election"`
	ResultStore StoreConfig    `toml:"result-store" json:"result-store"`
	Job         JobConfig      `toml:"job" json:"job"`
}

// NewConfig returns a config with every default filled in.
func NewConfig() *Config {
	return &Config{
		DataDir:   defaultDataDir,
		LogLevel:  "info",
		LogFormat: "text",
		Election: ElectionConfig{
			Mode:                 ElectionModeStandalone,
			CreateSessionTimeout: Duration{Duration: defaultCreateSessionTimeout},
			SessionTTL:           Duration{Duration: defaultSessionTTL},
		},
		ResultStore: StoreConfig{
			Backend:       StoreBackendMemory,
			SQL:           resultstore.NewDefaultSQLConfig(),
			RetryInterval: Duration{Duration: defaultStoreRetryInterval},
		},
		Job: JobConfig{
			StopTimeout:            Duration{Duration: defaultJobStopTimeout},
			HeartbeatCheckInterval: Duration{Duration: defaultHeartbeatCheck},
		},
	}
}

func (c *Config) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal config to json failed", zap.Error(err))
	}
	return string(data)
}

// Toml returns the TOML representation of the config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", derror.ErrConfigDecodeFile.Wrap(err).GenWithStackByArgs()
	}
	return b.String(), nil
}

// FromFile loads the file over the current values. Unknown items are
// rejected so typos do not silently fall back to defaults.
func (c *Config) FromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return derror.ErrConfigDecodeFile.Wrap(err).GenWithStackByArgs()
	}
	if undecoded := metaData.Undecoded(); len(undecoded) > 0 {
		items := make([]string, 0, len(undecoded))
		for _, item := range undecoded {
			items = append(items, item.String())
		}
		return derror.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(items, ","))
	}
	return nil
}

// Adjust fills derived defaults that cannot be statically declared.
func (c *Config) Adjust() {
	if c.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "master"
		}
		c.Name = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.Election.CreateSessionTimeout.Duration <= 0 {
		c.Election.CreateSessionTimeout.Duration = defaultCreateSessionTimeout
	}
	if c.Election.SessionTTL.Duration <= 0 {
		c.Election.SessionTTL.Duration = defaultSessionTTL
	}
	if len(c.ResultStore.Endpoints) == 0 {
		c.ResultStore.Endpoints = c.Election.Endpoints
	}
	if c.ResultStore.RetryInterval.Duration <= 0 {
		c.ResultStore.RetryInterval.Duration = defaultStoreRetryInterval
	}
	if c.Job.StopTimeout.Duration <= 0 {
		c.Job.StopTimeout.Duration = defaultJobStopTimeout
	}
	if c.Job.HeartbeatCheckInterval.Duration <= 0 {
		c.Job.HeartbeatCheckInterval.Duration = defaultHeartbeatCheck
	}
}

// Validate rejects configurations that cannot possibly run.
func (c *Config) Validate() error {
	switch c.Election.Mode {
	case ElectionModeEtcd:
		if len(c.Election.Endpoints) == 0 {
			return derror.ErrConfigInvalid.GenWithStackByArgs(
				"election mode etcd requires election.endpoints")
		}
	case ElectionModeStandalone:
	default:
		return derror.ErrConfigInvalid.GenWithStackByArgs(
			fmt.Sprintf("unknown election mode %q", c.Election.Mode))
	}

	switch c.ResultStore.Backend {
	case StoreBackendEtcd:
		if len(c.ResultStore.Endpoints) == 0 {
			return derror.ErrConfigInvalid.GenWithStackByArgs(
				"result store backend etcd requires result-store.endpoints")
		}
	case StoreBackendMySQL:
		if c.ResultStore.SQL.Endpoint == "" {
			return derror.ErrConfigInvalid.GenWithStackByArgs(
				"result store backend mysql requires result-store.sql.endpoint")
		}
	case StoreBackendMemory:
		if c.Election.Mode == ElectionModeEtcd {
			// the memory store cannot make failover safe across processes
			return derror.ErrConfigInvalid.GenWithStackByArgs(
				"the memory result store cannot back an etcd-coordinated deployment")
		}
	default:
		return derror.ErrConfigInvalid.GenWithStackByArgs(
			fmt.Sprintf("unknown result store backend %q", c.ResultStore.Backend))
	}
	return nil
}
