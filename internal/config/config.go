package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for d1seed.
type Config struct {
	File          string
	Database      string
	Client        string // client binary and leading arguments, space separated
	Remote        bool
	TokenEnv      string // variable the client reads the API token from
	APIToken      string
	LocalDB       string // apply to this SQLite file instead of the remote database
	Journal       string // optional run journal path
	Timeout       time.Duration
	Delay         time.Duration
	InsertMarker  string
	CommentMarker string
	DryRun        bool
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/d1seed).
func Load() Config {
	return Config{
		File:          viper.GetString("file"),
		Database:      viper.GetString("database"),
		Client:        viper.GetString("client"),
		Remote:        viper.GetBool("remote"),
		TokenEnv:      viper.GetString("token_env"),
		APIToken:      viper.GetString("api_token"),
		LocalDB:       viper.GetString("local_db"),
		Journal:       viper.GetString("journal"),
		Timeout:       viper.GetDuration("timeout"),
		Delay:         viper.GetDuration("delay"),
		InsertMarker:  viper.GetString("insert_marker"),
		CommentMarker: viper.GetString("comment_marker"),
		DryRun:        viper.GetBool("dry_run"),
	}
}

// ClientCommand splits Client into the binary and its leading arguments.
func (c Config) ClientCommand() []string {
	return strings.Fields(c.Client)
}

// UseLocal reports whether statements go to a local SQLite file.
func (c Config) UseLocal() bool {
	return c.LocalDB != ""
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.File == "" {
		result = multierror.Append(result, errors.New("seed file is required"))
	}
	if !c.UseLocal() && !c.DryRun {
		if c.Database == "" {
			result = multierror.Append(result, errors.New("database is required unless --local-db is set"))
		}
		if len(c.ClientCommand()) == 0 {
			result = multierror.Append(result, errors.New("client command is required"))
		}
		if c.APIToken != "" && c.TokenEnv == "" {
			result = multierror.Append(result, errors.New("token-env must name a variable when an API token is set"))
		}
	}
	if c.Timeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.Delay < 0 {
		result = multierror.Append(result, fmt.Errorf("delay must not be negative, got %s", c.Delay))
	}
	if strings.TrimSpace(c.InsertMarker) == "" {
		result = multierror.Append(result, errors.New("insert marker must not be empty"))
	}
	if strings.TrimSpace(c.CommentMarker) == "" {
		result = multierror.Append(result, errors.New("comment marker must not be empty"))
	}

	return result.ErrorOrNil()
}
