package options

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
)

var _ IOptions = (*CacheOptions)(nil)

// CacheOptions configures the local asset cache used by the resolver.
type CacheOptions struct {
	// Dir is the root cache directory. Downloaded assets land directly
	// under it, named by a hash of their source reference.
	Dir string `json:"dir" mapstructure:"dir"`
}

func NewCacheOptions() *CacheOptions {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return &CacheOptions{
		Dir: filepath.Join(home, ".edgeforge", "cache"),
	}
}

func (o *CacheOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.Dir == "" {
		errors = append(errors, fmt.Errorf("cache.dir must not be empty"))
	}

	return errors
}

func (o *CacheOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Dir, "cache.dir", o.Dir, "Root directory for the downloaded asset cache.")
}
