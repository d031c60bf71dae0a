package options

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	DefaultTimeoutMs      = 5000
	DefaultMaxConnections = 20
)

// ScanFunctions toggles each probe and catalog category.
type ScanFunctions struct {
	Git          bool `json:"git" yaml:"git" mapstructure:"git"`
	Svn          bool `json:"svn" yaml:"svn" mapstructure:"svn"`
	Hg           bool `json:"hg" yaml:"hg" mapstructure:"hg"`
	Env          bool `json:"env" yaml:"env" mapstructure:"env"`
	DsStore      bool `json:"ds_store" yaml:"ds_store" mapstructure:"ds_store"`
	ConfigFiles  bool `json:"config_files" yaml:"config_files" mapstructure:"config_files"`
	InfoFiles    bool `json:"info_files" yaml:"info_files" mapstructure:"info_files"`
	DebugAdmin   bool `json:"debug_admin" yaml:"debug_admin" mapstructure:"debug_admin"`
	BackupFiles  bool `json:"backup_files" yaml:"backup_files" mapstructure:"backup_files"`
	LogFiles     bool `json:"log_files" yaml:"log_files" mapstructure:"log_files"`
	PackageFiles bool `json:"package_files" yaml:"package_files" mapstructure:"package_files"`
	APIEndpoints bool `json:"api_endpoints" yaml:"api_endpoints" mapstructure:"api_endpoints"`
}

// AllFunctions returns a ScanFunctions with everything enabled.
func AllFunctions() ScanFunctions {
	return ScanFunctions{
		Git: true, Svn: true, Hg: true, Env: true, DsStore: true,
		ConfigFiles: true, InfoFiles: true, DebugAdmin: true, BackupFiles: true,
		LogFiles: true, PackageFiles: true, APIEndpoints: true,
	}
}

func (f *ScanFunctions) fields() map[string]*bool {
	return map[string]*bool{
		"git":           &f.Git,
		"svn":           &f.Svn,
		"hg":            &f.Hg,
		"env":           &f.Env,
		"ds_store":      &f.DsStore,
		"config_files":  &f.ConfigFiles,
		"info_files":    &f.InfoFiles,
		"debug_admin":   &f.DebugAdmin,
		"backup_files":  &f.BackupFiles,
		"log_files":     &f.LogFiles,
		"package_files": &f.PackageFiles,
		"api_endpoints": &f.APIEndpoints,
	}
}

// Enabled reports whether the function with the given key is on. Unknown keys are off.
func (f ScanFunctions) Enabled(key string) bool {
	if field, ok := f.fields()[key]; ok {
		return *field
	}
	return false
}

// Set toggles the function with the given key.
func (f *ScanFunctions) Set(key string, enabled bool) error {
	field, ok := f.fields()[key]
	if !ok {
		return fmt.Errorf("unknown scan function: %s", key)
	}
	*field = enabled
	return nil
}

// ScanOptions is the immutable configuration of a single scan run.
type ScanOptions struct {
	Functions       ScanFunctions `json:"functions" yaml:"functions" mapstructure:"functions"`
	TimeoutMs       int           `json:"timeout" yaml:"timeout" mapstructure:"timeout_ms" validate:"min=3000,max=30000"`
	MaxConnections  int           `json:"max_connections" yaml:"max_connections" mapstructure:"max_connections" validate:"min=5,max=50"`
	CheckOpenSource bool          `json:"check_open_source" yaml:"check_open_source" mapstructure:"check_open_source"`
}

// DefaultScanOptions enables every function with the default timeout and concurrency.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Functions:      AllFunctions(),
		TimeoutMs:      DefaultTimeoutMs,
		MaxConnections: DefaultMaxConnections,
	}
}

// ScanOptionsFromConfig reads scan.* settings.
func ScanOptionsFromConfig() (ScanOptions, error) {
	opts := DefaultScanOptions()
	if err := viper.UnmarshalKey("scan", &opts); err != nil {
		return opts, fmt.Errorf("failed to read scan options: %w", err)
	}
	return opts, nil
}

// Timeout returns the per-request timeout.
func (o ScanOptions) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Validate checks the option bounds.
func (o ScanOptions) Validate() error {
	validate := validator.New()
	if err := validate.Struct(o); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range validationErrors {
				return fmt.Errorf("invalid scan option %s: must satisfy %s=%s, got %v", fieldErr.Field(), fieldErr.Tag(), fieldErr.Param(), fieldErr.Value())
			}
		}
		return err
	}
	return nil
}
