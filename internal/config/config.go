package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Target policies for computing a pipeline's target amount
const (
	TargetPolicyOptimal = "optimal"
	TargetPolicyBound   = "bound"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port   int
	DBPath string

	// Auth settings
	JWTSecret      string
	OperatorKey    string
	OperatorSecret string

	// Evaluator settings
	EvaluationInterval   time.Duration
	RuleRefreshInterval  time.Duration
	ReactivationInterval time.Duration
	MaxBalanceAge        time.Duration
	TargetPolicy         string

	// Executor settings
	CompletionTimeout  time.Duration
	MaxCompletionPolls int
	ReconcileInterval  time.Duration

	// Simulated connectors to register
	Connectors []string
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		Port:                 8080,
		DBPath:               "liquidity.db",
		JWTSecret:            "klear-secret-key",
		OperatorKey:          "test-operator-key",
		OperatorSecret:       "test-operator-secret",
		EvaluationInterval:   time.Minute,
		RuleRefreshInterval:  30 * time.Second,
		ReactivationInterval: 5 * time.Minute,
		TargetPolicy:         TargetPolicyOptimal,
		CompletionTimeout:    30 * time.Second,
		MaxCompletionPolls:   10,
		ReconcileInterval:    5 * time.Minute,
		Connectors:           []string{"Scrypt", "Kraken", "Binance", "BankRail"},
	}
}

// LoadEnvironment loads variables from a .env file in the working directory, if present
func LoadEnvironment() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
		return
	}
	log.Info().Msg("loaded .env file from current directory")
}

// LoadFromEnvironment loads configuration from environment variables
func (c *Config) LoadFromEnvironment() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}

	if path := os.Getenv("LME_DB_PATH"); path != "" {
		c.DBPath = path
	}

	if secret := os.Getenv("LME_JWT_SECRET"); secret != "" {
		c.JWTSecret = secret
	}

	if key := os.Getenv("LME_OPERATOR_KEY"); key != "" {
		c.OperatorKey = key
	}

	if secret := os.Getenv("LME_OPERATOR_SECRET"); secret != "" {
		c.OperatorSecret = secret
	}

	loadDuration("LME_EVALUATION_INTERVAL", &c.EvaluationInterval)
	loadDuration("LME_RULE_REFRESH_INTERVAL", &c.RuleRefreshInterval)
	loadDuration("LME_REACTIVATION_INTERVAL", &c.ReactivationInterval)
	loadDuration("LME_MAX_BALANCE_AGE", &c.MaxBalanceAge)
	loadDuration("LME_COMPLETION_TIMEOUT", &c.CompletionTimeout)
	loadDuration("LME_RECONCILE_INTERVAL", &c.ReconcileInterval)

	if policy := os.Getenv("LME_TARGET_POLICY"); policy != "" {
		c.TargetPolicy = strings.ToLower(policy)
	}

	if polls := os.Getenv("LME_MAX_COMPLETION_POLLS"); polls != "" {
		if p, err := strconv.Atoi(polls); err == nil {
			c.MaxCompletionPolls = p
		}
	}

	if connectors := os.Getenv("LME_CONNECTORS"); connectors != "" {
		c.Connectors = nil
		for _, name := range strings.Split(connectors, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Connectors = append(c.Connectors, name)
			}
		}
	}
}

// loadDuration accepts Go duration strings ("45s") or plain seconds ("45")
func loadDuration(key string, target *time.Duration) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*target = d
		return
	}
	if s, err := strconv.Atoi(value); err == nil {
		*target = time.Duration(s) * time.Second
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", c.Port)
	}

	if c.DBPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret cannot be empty")
	}

	if c.EvaluationInterval <= 0 {
		return fmt.Errorf("evaluation interval must be positive, got: %s", c.EvaluationInterval)
	}

	if c.RuleRefreshInterval <= 0 {
		return fmt.Errorf("rule refresh interval must be positive, got: %s", c.RuleRefreshInterval)
	}

	if c.ReactivationInterval <= 0 {
		return fmt.Errorf("reactivation interval must be positive, got: %s", c.ReactivationInterval)
	}

	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got: %s", c.ReconcileInterval)
	}

	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("completion timeout must be positive, got: %s", c.CompletionTimeout)
	}

	if c.MaxCompletionPolls < 1 {
		return fmt.Errorf("max completion polls must be at least 1, got: %d", c.MaxCompletionPolls)
	}

	if c.MaxBalanceAge < 0 {
		return fmt.Errorf("max balance age must be non-negative, got: %s", c.MaxBalanceAge)
	}

	if c.TargetPolicy != TargetPolicyOptimal && c.TargetPolicy != TargetPolicyBound {
		return fmt.Errorf("target policy must be %q or %q, got: %q", TargetPolicyOptimal, TargetPolicyBound, c.TargetPolicy)
	}

	return nil
}
