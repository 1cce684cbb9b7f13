package client

import (
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/dan-strohschein/clusterbatch/batch"
	"github.com/dan-strohschein/clusterbatch/logging"
)

// ClientOptions configures the batch client.
type ClientOptions struct {
	// ConnectTimeout bounds connection establishment.
	// Default: 5s
	ConnectTimeout time.Duration `yaml:"connectTimeout" default:"5s"`

	// KeepAlive is the TCP keep-alive period. Zero uses the system default.
	KeepAlive time.Duration `yaml:"keepAlive"`

	// MaxConnsPerNode caps synchronous connections to a single node.
	// Default: 100
	MaxConnsPerNode int `yaml:"maxConnsPerNode" default:"100"`

	// IdleTimeout closes pooled connections unused for longer.
	// Default: 55s
	IdleTimeout time.Duration `yaml:"idleTimeout" default:"55s"`

	// WorkerPoolSize bounds the node sub-requests of concurrent batch calls
	// running at once.
	// Default: 64
	WorkerPoolSize int `yaml:"workerPoolSize" default:"64"`

	// EventLoops is the number of event loops driving asynchronous calls.
	// Zero disables asynchronous calls.
	// Default: 1
	EventLoops int `yaml:"eventLoops" default:"1"`

	// PipelineConnsPerNode caps pipelined connections per node and event loop.
	// Default: 8
	PipelineConnsPerNode int `yaml:"pipelineConnsPerNode" default:"8"`

	// TLSEnabled enables TLS on every connection.
	// Default: false
	TLSEnabled bool `yaml:"tlsEnabled"`

	// TLSInsecureSkipVerify skips certificate validation (for development only).
	TLSInsecureSkipVerify bool `yaml:"tlsInsecureSkipVerify"`

	// TLSCertFile is the path to the client certificate file.
	TLSCertFile string `yaml:"tlsCertFile"`

	// TLSKeyFile is the path to the client private key file.
	TLSKeyFile string `yaml:"tlsKeyFile"`

	// Policy is the batch policy used when a call passes none.
	Policy batch.Policy `yaml:"policy"`

	// LogLevel sets the minimum log level (DEBUG, INFO, WARN, ERROR).
	// Default: "INFO"
	LogLevel string `yaml:"logLevel" default:"INFO"`

	// LogFormat selects logfmt or json lines.
	// Default: "logfmt"
	LogFormat logging.Format `yaml:"logFormat" default:"logfmt"`

	// Logger overrides the logger built from LogLevel and LogFormat.
	Logger logging.Logger `yaml:"-"`

	// Registerer receives the client's metrics. Nil disables metrics.
	Registerer prometheus.Registerer `yaml:"-"`
}

// DefaultOptions returns ClientOptions with default values.
func DefaultOptions() ClientOptions {
	var opts ClientOptions
	defaults.MustSet(&opts)
	return opts
}

// LoadOptions reads options from a YAML file. Fields missing from the file
// keep their defaults.
func LoadOptions(path string) (ClientOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientOptions{}, errors.Wrap(err, "read client options")
	}
	return ParseOptions(data)
}

// ParseOptions decodes YAML options on top of the defaults.
func ParseOptions(data []byte) (ClientOptions, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return ClientOptions{}, errors.Wrap(err, "parse client options")
	}
	return opts, nil
}
