// Package env reads dotenv files and resolves command flags against the
// process environment.
package env

import (
	"os"
	"strings"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseEnvFile parses a dotenv file. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return []EnvLine{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", filename)
	}
	return ParseEnvBuffer(buf)
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ProcessEnvLine splits KEY=VALUE, removing one level of quotes from VALUE.
// An optional "export " prefix is ignored.
func ProcessEnvLine(line string) EnvLine {
	line = strings.TrimPrefix(line, "export ")
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return EnvLine{Key: strings.TrimSpace(line)}
	}
	return EnvLine{Key: strings.TrimSpace(key), Val: dequote(strings.TrimSpace(val))}
}

// ParseEnvBuffer parses dotenv content. Blank lines and # comments are
// skipped. ${NAME} and ${NAME:-default} are expanded from earlier lines,
// then from the process environment.
func ParseEnvBuffer(buf []byte) ([]EnvLine, error) {
	envs := make([]EnvLine, 0)
	seen := make(map[string]string)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		env := ProcessEnvLine(line)
		if env.Key == "" {
			continue
		}
		env.Val = interpolate(env.Val, seen)
		seen[env.Key] = env.Val
		envs = append(envs, env)
	}
	return envs, nil
}

func interpolate(val string, seen map[string]string) string {
	return os.Expand(val, func(ref string) string {
		name, def, hasDefault := strings.Cut(ref, ":-")
		if v, ok := seen[name]; ok && v != "" {
			return v
		}
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// Load parses filename and sets every variable not already present in the
// process environment, so real environment variables win over the file.
func Load(filename string) error {
	envs, err := ParseEnvFile(filename)
	if err != nil {
		return err
	}
	for _, e := range envs {
		if _, ok := os.LookupEnv(e.Key); ok {
			continue
		}
		if err := os.Setenv(e.Key, e.Val); err != nil {
			return errors.Wrapf(err, "set %s", e.Key)
		}
	}
	return nil
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	return defaultValue
}

// LogLevel resolves --log-level, then DBCACHE_LOG_LEVEL, defaulting to info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	level, _ := logger.ParseLevel(FlagOrEnv(cmd, "log-level", "DBCACHE_LOG_LEVEL", "info"))
	return level
}

// NewLogger returns a logger honoring --log-level and --log-format (or
// DBCACHE_LOG_FORMAT).
func NewLogger(cmd *cobra.Command) logger.Logger {
	return logger.New(FlagOrEnv(cmd, "log-format", "DBCACHE_LOG_FORMAT", "console"), LogLevel(cmd))
}
