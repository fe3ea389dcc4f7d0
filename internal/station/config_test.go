package station

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestConfigValidate(t *testing.T) {
	c := NewConfig()
	if errs := c.Validate(); len(errs) != 0 {
		t.Errorf("default config invalid: %v", errs)
	}

	c.DescriptorDir = ""
	c.HistoryPath = ""
	c.HttpOptions.Addr = "not-an-address"
	if errs := c.Validate(); len(errs) != 3 {
		t.Errorf("errors = %v, want 3", errs)
	}
}

func TestConfigFlags(t *testing.T) {
	c := NewConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.AddFlags(fs)

	err := fs.Parse([]string{
		"--descriptor-dir=/opt/devices",
		"--history-path=/tmp/history.db",
		"--http.addr=0.0.0.0:8080",
		"--mqtt.enabled=true",
		"--cache.dir=/tmp/cache",
	})
	if err != nil {
		t.Fatal(err)
	}

	if c.DescriptorDir != "/opt/devices" || c.HistoryPath != "/tmp/history.db" {
		t.Errorf("paths = %q %q", c.DescriptorDir, c.HistoryPath)
	}
	if c.HttpOptions.Addr != "0.0.0.0:8080" {
		t.Errorf("http addr = %q", c.HttpOptions.Addr)
	}
	if !c.MqttOptions.Enabled {
		t.Error("mqtt not enabled")
	}
	if c.CacheOptions.Dir != "/tmp/cache" {
		t.Errorf("cache dir = %q", c.CacheOptions.Dir)
	}
}
