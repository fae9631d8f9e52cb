package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

// expandEnvString substitutes ${VAR}, ${VAR:-default}, and $VAR in s.
func expandEnvString(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// parseValue converts an expanded string to bool/int/float when it looks
// like one, so weakly-typed decoding sees the right kind.
func parseValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}

	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}

	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}

	return value
}

// ExpandEnvVarsInData recursively expands env references in a parsed
// YAML/JSON structure.
func ExpandEnvVarsInData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		expanded := expandEnvString(v)
		if expanded != v {
			return parseValue(expanded)
		}
		return expanded

	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, value := range v {
			result[key] = ExpandEnvVarsInData(value)
		}
		return result

	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = ExpandEnvVarsInData(item)
		}
		return result

	default:
		return v
	}
}

// LoadEnvFiles loads .env.local then .env from the working directory.
// Missing files are fine; values already in the environment win.
func LoadEnvFiles() error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies the documented environment keys on top of the
// decoded config. Called before defaulting so fallback chains (summarizer
// inheriting the primary endpoint) still apply.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("MODEL_NAME"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("SUMMARY_LLM_BASE_URL"); v != "" {
		c.SummaryLLM.BaseURL = v
	}
	if v := os.Getenv("SUMMARY_LLM_API_KEY"); v != "" {
		c.SummaryLLM.APIKey = v
	}
	if v := os.Getenv("SUMMARY_LLM_MODEL_NAME"); v != "" {
		c.SummaryLLM.Model = v
	}
	if v := os.Getenv("PIPELINE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.PipelinePoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MaxConcurrentRequests = n
		}
	}
	if v := os.Getenv("MAX_HISTORY_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.History.MaxHistoryTokens = n
		}
	}
	if v := os.Getenv("CONTEXT_COMPRESSION_ENABLED"); v != "" {
		c.History.CompressionEnabled = BoolPtr(strings.EqualFold(v, "true"))
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
}
