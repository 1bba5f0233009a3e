package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Hardware  HardwareConfig  `mapstructure:"hardware"`
	Modbus    ModbusConfig    `mapstructure:"modbus"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Compiler  CompilerConfig  `mapstructure:"compiler"`
	Programs  ProgramsConfig  `mapstructure:"programs"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	// SQLitePath keeps the execution journal in a local file when
	// PostgreSQL is disabled. Empty disables the journal.
	SQLitePath string `mapstructure:"sqlite_path"`
}

// Operator is a desk operator allowed to log in. PINHash is an argon2id
// hash as produced by `scratchdesk hash-pin`.
type Operator struct {
	Username string `mapstructure:"username"`
	PINHash  string `mapstructure:"pin_hash"`
	Role     string `mapstructure:"role"`
}

type AuthConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	JWTSecretEnv           string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL         time.Duration `mapstructure:"access_token_ttl"`
	MaxFailedLoginAttempts int           `mapstructure:"max_failed_login_attempts"`
	AccountLockDuration    time.Duration `mapstructure:"account_lock_duration"`
	Operators              []Operator    `mapstructure:"operators"`
}

type HardwareConfig struct {
	Mode          string        `mapstructure:"mode"`
	HomingTimeout time.Duration `mapstructure:"homing_timeout"`
	SimMoveDelay  time.Duration `mapstructure:"sim_move_delay"`
	SimToolDelay  time.Duration `mapstructure:"sim_tool_delay"`
}

// ModbusConfig addresses the desk I/O controller. Coil and input addresses
// are keyed by tool and sensor name.
type ModbusConfig struct {
	Address        string            `mapstructure:"address"`
	UnitID         uint8             `mapstructure:"unit_id"`
	DefaultTimeout time.Duration     `mapstructure:"default_timeout"`
	PollInterval   time.Duration     `mapstructure:"poll_interval"`
	Coils          map[string]uint16 `mapstructure:"coils"`
	Inputs         map[string]uint16 `mapstructure:"inputs"`
	// ToolInputs are the piston position sensors, true when the tool is down.
	ToolInputs     map[string]uint16 `mapstructure:"tool_inputs"`
	ToolTimeout    time.Duration     `mapstructure:"tool_timeout"`
	Axes           AxesConfig        `mapstructure:"axes"`
}

// AxesConfig maps each axis onto holding registers. Positions are written
// and read in units of Resolution cm.
type AxesConfig struct {
	XTarget    uint16        `mapstructure:"x_target"`
	XPosition  uint16        `mapstructure:"x_position"`
	YTarget    uint16        `mapstructure:"y_target"`
	YPosition  uint16        `mapstructure:"y_position"`
	StopCoil   uint16        `mapstructure:"stop_coil"`
	Resolution float64       `mapstructure:"resolution"`
	Tolerance  float64       `mapstructure:"tolerance"`
	SettlePoll time.Duration `mapstructure:"settle_poll"`
}

type ExecutionConfig struct {
	MoveTimeout        time.Duration `mapstructure:"move_timeout"`
	ToolTimeout        time.Duration `mapstructure:"tool_timeout"`
	SensorTimeout      time.Duration `mapstructure:"sensor_timeout"`
	SensorPollInterval time.Duration `mapstructure:"sensor_poll_interval"`
	EventQueueSize     int           `mapstructure:"event_queue_size"`
}

type SafetyConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	TransitionPoll    time.Duration `mapstructure:"transition_poll"`
	TransitionTimeout time.Duration `mapstructure:"transition_timeout"`
}

type CompilerConfig struct {
	PaperOffsetX float64 `mapstructure:"paper_offset_x"`
	PaperOffsetY float64 `mapstructure:"paper_offset_y"`
}

type ProgramsConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "scratchdesk")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.sqlite_path", "")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "12h")
	v.SetDefault("auth.max_failed_login_attempts", 5)
	v.SetDefault("auth.account_lock_duration", "15m")

	v.SetDefault("hardware.mode", "simulation")
	v.SetDefault("hardware.homing_timeout", "60s")
	v.SetDefault("hardware.sim_move_delay", "50ms")
	v.SetDefault("hardware.sim_tool_delay", "20ms")

	v.SetDefault("modbus.address", "192.168.1.50:502")
	v.SetDefault("modbus.unit_id", 1)
	v.SetDefault("modbus.default_timeout", "1s")
	v.SetDefault("modbus.poll_interval", "20ms")
	v.SetDefault("modbus.tool_timeout", "5s")
	v.SetDefault("modbus.axes.resolution", 0.01)
	v.SetDefault("modbus.axes.tolerance", 0.05)
	v.SetDefault("modbus.axes.settle_poll", "20ms")

	v.SetDefault("execution.move_timeout", "30s")
	v.SetDefault("execution.tool_timeout", "5s")
	v.SetDefault("execution.sensor_timeout", "30s")
	v.SetDefault("execution.sensor_poll_interval", "50ms")
	v.SetDefault("execution.event_queue_size", 1024)

	v.SetDefault("safety.tick_interval", "100ms")
	v.SetDefault("safety.transition_poll", "100ms")
	v.SetDefault("safety.transition_timeout", "0s")

	v.SetDefault("compiler.paper_offset_x", 15.0)
	v.SetDefault("compiler.paper_offset_y", 15.0)

	v.SetDefault("programs.search_paths", []string{"./programs"})
}

// Load reads a YAML file. An empty path loads defaults and environment
// overrides only. Environment variables use the SCRATCHDESK_ prefix, e.g.
// SCRATCHDESK_HARDWARE_MODE=modbus.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SCRATCHDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Hardware.Mode {
	case "simulation", "modbus":
	default:
		return fmt.Errorf("invalid hardware.mode %q (simulation or modbus)", c.Hardware.Mode)
	}
	if c.Execution.SensorPollInterval <= 0 || c.Execution.SensorTimeout <= 0 {
		return fmt.Errorf("execution sensor timings must be positive")
	}
	if c.Execution.SensorPollInterval > c.Execution.SensorTimeout {
		return fmt.Errorf("execution.sensor_poll_interval exceeds execution.sensor_timeout")
	}
	if c.Safety.TickInterval <= 0 {
		return fmt.Errorf("safety.tick_interval must be positive")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}
