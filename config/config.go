package config

import (
	"github.com/goccy/go-yaml"
	"os"
)

type ConfigWithDefault interface {
	GetDefaultConfig() string
}

type Config struct {
	ListenAddress string `yaml:"address"`
	// Overkiz-compatible endpoint, e.g. the Cozytouch enduser API
	ServerURL string `yaml:"server_url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// seconds between device list polls
	PollInterval int `yaml:"poll_interval"`
	// how many remote events to keep for diagnostics
	EventBufferSize int `yaml:"event_buffer_size"`
	// consecutive poll failures before the healthcheck flips to degraded
	MaxFailures int `yaml:"max_failures"`
	// exponent cap for backoff, delay is poll_interval * 2^min(failures, cap)
	BackoffCap int `yaml:"backoff_cap"`
	// hard ceiling on backoff delay in seconds
	MaxBackoff         int               `yaml:"max_backoff"`
	PrometheusWriteURL string            `yaml:"prometheus_write_url"`
	PrometheusPrefix   string            `yaml:"prometheus_prefix"`
	ExtraLabels        map[string]string `yaml:"extra_labels"`
	Debug              bool              `yaml:"debug"`
	PProfAddress       string            `yaml:"pprof_address"`
}

func (c *Config) GetDefaultConfig() string {
	h, _ := os.Hostname()
	cfg := Config{
		ListenAddress:      "127.0.0.1:3002",
		ServerURL:          "https://ha110-1.overkiz.com/enduser-mobile-web/enduserAPI",
		Username:           "user@example.com",
		Password:           "hunter2",
		PollInterval:       30,
		EventBufferSize:    50,
		MaxFailures:        5,
		BackoffCap:         6,
		MaxBackoff:         900,
		PrometheusWriteURL: "",
		PrometheusPrefix:   "cozy_",
		Debug:              true,
		PProfAddress:       "",
		ExtraLabels: map[string]string{
			"host": h,
		},
	}
	b, _ := yaml.Marshal(&cfg)
	return string(b)
}
