package station

import (
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/pflag"

	"github.com/edgeforge-io/edgeforge/internal/asset"
	"github.com/edgeforge-io/edgeforge/internal/device"
	"github.com/edgeforge-io/edgeforge/internal/history"
	"github.com/edgeforge-io/edgeforge/pkg/mqtt"
	mqtttopic "github.com/edgeforge-io/edgeforge/pkg/mqtt/topic"
	"github.com/edgeforge-io/edgeforge/pkg/options"
)

// Config aggregates everything the station daemon needs to start.
type Config struct {
	HttpOptions   *options.HttpOptions
	MqttOptions   *options.MqttOptions
	S3Options     *options.S3Options
	CacheOptions  *options.CacheOptions
	SerialOptions *options.SerialOptions

	// DescriptorDir holds the device descriptor YAML files.
	DescriptorDir string `json:"descriptor-dir" mapstructure:"descriptor-dir"`

	// HistoryPath is the sqlite file for deployment history.
	HistoryPath string `json:"history-path" mapstructure:"history-path"`
}

// NewConfig returns a Config with defaults for every component.
func NewConfig() *Config {
	return &Config{
		HttpOptions:   options.NewHttpOptions(),
		MqttOptions:   options.NewMqttOptions(),
		S3Options:     options.NewS3Options(),
		CacheOptions:  options.NewCacheOptions(),
		SerialOptions: options.NewSerialOptions(),
		DescriptorDir: "/etc/edgeforge/devices",
		HistoryPath:   "/var/lib/edgeforge/history.db",
	}
}

// AddFlags registers all component flags on the given flag set.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	c.HttpOptions.AddFlags(fs)
	c.MqttOptions.AddFlags(fs)
	c.S3Options.AddFlags(fs)
	c.CacheOptions.AddFlags(fs)
	c.SerialOptions.AddFlags(fs)

	fs.StringVar(&c.DescriptorDir, "descriptor-dir", c.DescriptorDir, "Directory holding device descriptor YAML files.")
	fs.StringVar(&c.HistoryPath, "history-path", c.HistoryPath, "Path of the sqlite deployment history database.")
}

// Validate collects configuration errors from every component.
func (c *Config) Validate() []error {
	var errs []error

	for _, o := range []options.IOptions{
		c.HttpOptions,
		c.MqttOptions,
		c.S3Options,
		c.CacheOptions,
		c.SerialOptions,
	} {
		errs = append(errs, o.Validate()...)
	}

	if c.DescriptorDir == "" {
		errs = append(errs, fmt.Errorf("descriptor-dir must not be empty"))
	}
	if c.HistoryPath == "" {
		errs = append(errs, fmt.Errorf("history-path must not be empty"))
	}

	return errs
}

// NewStation builds the wired station from the configuration.
func (c *Config) NewStation() (*Station, error) {
	registry, err := device.NewRegistry(c.DescriptorDir)
	if err != nil {
		return nil, err
	}

	resolverOpts := []asset.Option{}
	if c.S3Options.Endpoint != "" {
		s3, err := minio.New(c.S3Options.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(c.S3Options.AccessKeyID, c.S3Options.SecretAccessKey, ""),
			Secure: c.S3Options.UseSSL,
			Region: c.S3Options.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("build s3 client: %w", err)
		}
		resolverOpts = append(resolverOpts, asset.WithS3(s3))
	}

	resolver, err := asset.NewResolver(c.CacheOptions.Dir, resolverOpts...)
	if err != nil {
		return nil, err
	}

	hist, err := history.Open(c.HistoryPath)
	if err != nil {
		return nil, err
	}

	var (
		sink       EventSink = nopSink{}
		mqttClient mqtt.Client
	)
	if c.MqttOptions.Enabled {
		mqttClient, err = mqtt.NewClient(c.MqttOptions.ToClientConfig())
		if err != nil {
			hist.Close()
			return nil, fmt.Errorf("build mqtt client: %w", err)
		}
		sink = NewPublisher(mqttClient, mqtttopic.NewBuilder(c.MqttOptions.TopicRoot))
	}

	detector := device.NewDetector()
	detector.DefaultBaud = c.SerialOptions.BaudRate

	deployer := NewDeployer(registry, detector, resolver, hist, sink, c.SerialOptions)

	return &Station{
		registry: registry,
		history:  hist,
		mqtt:     mqttClient,
		server:   NewServer(c.HttpOptions, registry, detector, deployer),
	}, nil
}
