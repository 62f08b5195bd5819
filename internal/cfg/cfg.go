package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Config adds culler-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	LibraryRoot           string
	LibraryInclude        string
	TrashDir              string
	SettingsOpener        string
	ImageCacheSize        int
	TargetWidth           int
	TargetHeight          int
	DeferDeletes          bool
	StorePath             string
	DatabaseURL           string
	SlackWebhookURL       string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on mutating API routes (empty = no auth)")
	fs.StringVar(&c.LibraryRoot, "library-root", "", "directory holding the photo library")
	fs.StringVar(&c.LibraryInclude, "library-include", "", "comma-separated subdirectories to expose (non-empty = limited access)")
	fs.StringVar(&c.TrashDir, "trash-dir", "", "directory deleted photos are moved into (empty = remove permanently)")
	fs.StringVar(&c.SettingsOpener, "settings-opener", "xdg-open", "command used to open the library location (empty = unsupported)")
	fs.IntVar(&c.ImageCacheSize, "image-cache-size", 64, "number of rendered images kept in memory (1..4096)")
	fs.IntVar(&c.TargetWidth, "target-width", 1920, "width rendered images are fitted into (1..16384)")
	fs.IntVar(&c.TargetHeight, "target-height", 1080, "height rendered images are fitted into (1..16384)")
	fs.BoolVar(&c.DeferDeletes, "defer-deletes", true, "move deleted photos to the trash set until a batch purge")
	fs.StringVar(&c.StorePath, "store-path", "culler.db", "SQLite file for decisions (empty = in-memory store)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides -store-path)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for purge notifications")
}

// Includes returns the trimmed, non-empty entries of LibraryInclude.
func (c *Config) Includes() []string {
	var out []string
	for _, p := range strings.Split(c.LibraryInclude, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.LibraryRoot == "" {
		errs = append(errs, errors.New("LIBRARY_ROOT is required"))
	}

	for _, inc := range c.Includes() {
		if strings.HasPrefix(inc, "/") || strings.Contains(inc, "..") {
			errs = append(errs, fmt.Errorf("invalid LIBRARY_INCLUDE entry %q (must be relative to LIBRARY_ROOT)", inc))
		}
	}

	if c.ImageCacheSize <= 0 || c.ImageCacheSize > 4096 {
		errs = append(errs, fmt.Errorf("invalid IMAGE_CACHE_SIZE %d (must be 1..4096)", c.ImageCacheSize))
	}

	if c.TargetWidth <= 0 || c.TargetWidth > 16384 {
		errs = append(errs, fmt.Errorf("invalid TARGET_WIDTH %d (must be 1..16384)", c.TargetWidth))
	}
	if c.TargetHeight <= 0 || c.TargetHeight > 16384 {
		errs = append(errs, fmt.Errorf("invalid TARGET_HEIGHT %d (must be 1..16384)", c.TargetHeight))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
