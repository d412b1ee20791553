// Package config lets a JSON file supply defaults for command-line flags.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Load reads a JSON object from path.
func Load(path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	var cfg map[string]interface{}
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Apply sets every flag of fs that was not given on the command line from
// cfg. Call it after fs.Parse. Keys may spell hyphens as underscores, so
// "base_port" sets -base-port.
func Apply(fs *flag.FlagSet, cfg map[string]interface{}) error {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || explicit[f.Name] {
			return
		}
		val, ok := cfg[f.Name]
		if !ok {
			val, ok = cfg[strings.ReplaceAll(f.Name, "-", "_")]
		}
		if !ok {
			return
		}
		var s string
		switch v := val.(type) {
		case string:
			s = v
		case float64, bool:
			s = fmt.Sprint(v)
		default:
			err = errors.Errorf("config key %q: unsupported value %v", f.Name, val)
			return
		}
		if serr := f.Value.Set(s); serr != nil {
			err = errors.Wrapf(serr, "config key %q", f.Name)
		}
	})
	return err
}
