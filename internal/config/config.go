package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the controller process
type Config struct {
	Network  NetworkConfig  `mapstructure:"network"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Hardware HardwareConfig `mapstructure:"hardware"`
	Motor    MotorConfig    `mapstructure:"motor"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
}

// NetworkConfig contains the PGN/UDP transport settings
type NetworkConfig struct {
	ListenPort int   `mapstructure:"listen_port"` // AgOpenGPS sends module PGNs here
	SendPort   int   `mapstructure:"send_port"`   // replies go to the broadcast address on this port
	IP         []int `mapstructure:"ip"`          // module IPv4, reported in scan replies
}

// StorageConfig contains the persistent settings store location
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// HardwareConfig contains board-level settings
type HardwareConfig struct {
	ProfilePath  string `mapstructure:"profile_path"`  // optional YAML pin map override
	PWMFrequency int    `mapstructure:"pwm_frequency"` // motor PWM carrier in Hz
	SPIBus       int    `mapstructure:"spi_bus"`       // CAN controller SPI bus
	SPIDevice    int    `mapstructure:"spi_device"`
	CANBitrate   int    `mapstructure:"can_bitrate"`
	I2CBus       string `mapstructure:"i2c_bus"` // ADC expander bus name
}

// MotorConfig selects and parameterizes the motor backend
type MotorConfig struct {
	Selector   string `mapstructure:"selector"`    // auto, pwm, danfoss, keya-can, keya-serial
	SerialPort string `mapstructure:"serial_port"` // Keya RS-232 port
	SerialBaud int    `mapstructure:"serial_baud"`
}

// LoggerConfig contains logging settings
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

// MQTTConfig contains the optional telemetry publisher settings
type MQTTConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Broker  string `mapstructure:"broker"`
	Topic   string `mapstructure:"topic"`
	QoS     int    `mapstructure:"qos"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults
	}

	// Override with environment variables
	v.SetEnvPrefix("AGSTEER")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Watch re-reads the config file on change and calls fn with the new config.
// Steering config/settings arriving over PGN 251/252 are persisted separately
// in the settings store; this only covers the process-level config file.
func Watch(configPath string, fn func(*Config)) error {
	v := viper.New()
	setDefaults(v)
	if configPath == "" {
		return fmt.Errorf("watch requires an explicit config path")
	}
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		fn(&cfg)
	})
	v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper) {
	// Network defaults (AgOpenGPS module convention)
	v.SetDefault("network.listen_port", 8888)
	v.SetDefault("network.send_port", 9999)
	v.SetDefault("network.ip", []int{192, 168, 5, 126})

	// Storage defaults
	v.SetDefault("storage.path", "./data/agsteer.db")

	// Hardware defaults
	v.SetDefault("hardware.profile_path", "")
	v.SetDefault("hardware.pwm_frequency", 18000)
	v.SetDefault("hardware.spi_bus", 0)
	v.SetDefault("hardware.spi_device", 0)
	v.SetDefault("hardware.can_bitrate", 250000)
	v.SetDefault("hardware.i2c_bus", "1")

	// Motor defaults
	v.SetDefault("motor.selector", "auto")
	v.SetDefault("motor.serial_port", "/dev/ttyS0")
	v.SetDefault("motor.serial_baud", 115200)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.dir", "./logs")

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.topic", "agsteer/status")
	v.SetDefault("mqtt.qos", 0)
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".agsteer")
}
