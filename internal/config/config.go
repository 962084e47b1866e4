package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Variants lists the trainer variants the feature package registers.
var Variants = []string{
	"url_path",
	"url",
	"url_headers",
	"url_easylist",
	"url_headers_apps",
	"url_headers_pii",
	"domain",
	"host",
	"network_layer",
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/ad-sentinel/")
	viper.AddConfigPath("$HOME/.ad-sentinel/")

	// Environment variable overrides
	viper.SetEnvPrefix("ADSENTINEL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks the loaded configuration. Any error here is fatal at
// startup, before a single classifier unit runs.
func Validate(config *Config) error {
	if config.Data.SplitKey != "domain" && config.Data.SplitKey != "package_name" {
		return fmt.Errorf("unsupported split key: %s (must be domain or package_name)", config.Data.SplitKey)
	}

	if config.Data.LabelKey != "ad" && config.Data.LabelKey != "label" {
		return fmt.Errorf("unsupported label key: %s (must be ad or label)", config.Data.LabelKey)
	}

	if config.Data.MinSamples < 0 {
		return fmt.Errorf("invalid min samples: %d", config.Data.MinSamples)
	}

	if !contains(Variants, config.Trainer.Variant) {
		return fmt.Errorf("unknown trainer variant: %s", config.Trainer.Variant)
	}

	if config.Trainer.Theta < 1 {
		return fmt.Errorf("invalid theta: %d (must be >= 1)", config.Trainer.Theta)
	}

	if config.Trainer.MinTermLength < 1 {
		return fmt.Errorf("invalid min term length: %d (must be >= 1)", config.Trainer.MinTermLength)
	}

	if config.Trainer.Search != "naive" && config.Trainer.Search != "automaton" {
		return fmt.Errorf("invalid search engine: %s (must be naive or automaton)", config.Trainer.Search)
	}

	if config.Experiment.Folds != 5 {
		return fmt.Errorf("invalid folds: %d (only 5-fold cross-validation is supported)", config.Experiment.Folds)
	}

	if config.Experiment.Workers < 1 {
		return fmt.Errorf("invalid workers: %d (must be >= 1)", config.Experiment.Workers)
	}

	if config.Classifier.Backend != "weka" && config.Classifier.Backend != "onnx" {
		return fmt.Errorf("invalid classifier backend: %s (must be weka or onnx)", config.Classifier.Backend)
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file for changes
func Watch(config *Config, callback func(*Config)) error {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := viper.Unmarshal(newConfig); err != nil {
			return
		}

		if err := Validate(newConfig); err != nil {
			return
		}

		callback(newConfig)
	})

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
