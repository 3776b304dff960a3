package config

// ServerConfig configures the process's network listeners.
type ServerConfig struct {
	Host        string `yaml:"host"`
	WSPort      int    `yaml:"ws_port"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}
