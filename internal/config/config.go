package config

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// FunctionKeys lists the probe and category toggles under scan.functions.
var FunctionKeys = []string{
	"git",
	"svn",
	"hg",
	"env",
	"ds_store",
	"config_files",
	"info_files",
	"debug_admin",
	"backup_files",
	"log_files",
	"package_files",
	"api_endpoints",
}

func LoadConfig() {
	SetDefaultConfig()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/exposed-files-scanner/")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Debug().Msg("Config file not found, using defaults")
		} else {
			log.Panic().Err(err).Msg("Fatal error reading config file")
		}
	}
}

func SetDefaultConfig() {
	// Navigation
	viper.SetDefault("navigation.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	viper.SetDefault("navigation.proxy", "")
	viper.SetDefault("navigation.protocol", "http1")
	viper.SetDefault("navigation.rate_limit", 0)
	viper.SetDefault("navigation.max_body_mb", 10)
	viper.SetDefault("navigation.headers", map[string]string{})

	// Scan
	viper.SetDefault("scan.timeout_ms", 5000)
	viper.SetDefault("scan.max_connections", 20)
	viper.SetDefault("scan.batch_delay_ms", 100)
	viper.SetDefault("scan.check_open_source", false)
	viper.SetDefault("scan.max_targets", 10000)
	for _, key := range FunctionKeys {
		viper.SetDefault("scan.functions."+key, true)
	}

	// Dump
	viper.SetDefault("dump.max_connections", 20)
	viper.SetDefault("dump.base_wait_ms", 100)
	viper.SetDefault("dump.max_wait_ms", 10000)
	viper.SetDefault("dump.failure_threshold", 250)
	viper.SetDefault("dump.quiet_period_ms", 10000)
	viper.SetDefault("dump.request_timeout_ms", 5000)
	viper.SetDefault("dump.output_dir", ".")
}
