package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// FromEnv applies CB_MODEL_* environment overrides to base. Environment
// wins over file configuration so a stuck breaker can be retuned without a
// config rollout.
func FromEnv(base Config) Config {
	base.MaxProbes = getEnvUint32("CB_MODEL_MAX_PROBES", base.MaxProbes)
	base.Interval = getEnvDuration("CB_MODEL_INTERVAL", base.Interval)
	base.Cooldown = getEnvDuration("CB_MODEL_COOLDOWN", base.Cooldown)
	base.MaxCooldown = getEnvDuration("CB_MODEL_MAX_COOLDOWN", base.MaxCooldown)
	base.CooldownGrowth = getEnvFloat("CB_MODEL_COOLDOWN_GROWTH", base.CooldownGrowth)
	base.FailureThreshold = getEnvUint32("CB_MODEL_FAILURE_THRESHOLD", base.FailureThreshold)
	base.SuccessThreshold = getEnvUint32("CB_MODEL_SUCCESS_THRESHOLD", base.SuccessThreshold)
	return base
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
