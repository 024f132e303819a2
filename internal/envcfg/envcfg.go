package envcfg

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Loader resolves configuration keys against the process environment
// first, then against one or more .env files loaded lazily on first use.
// Once loaded the file cache is read-only.
type Loader struct {
	once  sync.Once
	paths []string
	cache map[string]string
}

// NewLoader creates a loader over the given .env file paths, earlier
// paths taking precedence over later ones.
func NewLoader(paths ...string) *Loader {
	return &Loader{paths: paths}
}

// Default returns a loader over the standard lookup locations:
// $BLACKBOX_ROOT/.env (or ./.env when BLACKBOX_ROOT is unset), with
// $HOME/.env as a fallback.
func Default() *Loader {
	root := os.Getenv("BLACKBOX_ROOT")
	if root == "" {
		root = "."
	}
	paths := []string{filepath.Join(root, ".env")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".env"))
	}
	return NewLoader(paths...)
}

func (l *Loader) load() {
	l.once.Do(func() {
		l.cache = make(map[string]string)
		for _, path := range l.paths {
			for k, v := range ParseFile(path) {
				if _, exists := l.cache[k]; !exists {
					l.cache[k] = v
				}
			}
		}
	})
}

// Get returns the value for key, preferring the process environment over
// the .env cache. Returns def when the key is set nowhere.
func (l *Loader) Get(key, def string) string {
	l.load()
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	if v, ok := l.cache[key]; ok {
		return v
	}
	return def
}

// Int returns the value for key parsed as a positive integer, or def
// when unset or unparseable.
func (l *Loader) Int(key string, def int) int {
	v := strings.TrimSpace(l.Get(key, ""))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Bool reports whether key is set to a truthy value (true|1|yes,
// case-insensitive).
func (l *Loader) Bool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(l.Get(key, ""))) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// ParseFile reads a key=value .env file. Lines starting with # are
// skipped, keys and values are trimmed, and a single pair of double
// quotes around a value is stripped. Missing files yield an empty map.
func ParseFile(path string) map[string]string {
	env := make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		return env
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = value[1 : len(value)-1]
		}
		value = strings.TrimSpace(value)

		if key != "" {
			env[key] = value
		}
	}

	return env
}

// LogLevel parses the LOG_LEVEL key into a slog level, defaulting to
// info. Matching is case-insensitive.
func (l *Loader) LogLevel() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(l.Get("LOG_LEVEL", ""))) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
