package main

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type fileConfig struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	User              string   `toml:"user"`
	Password          string   `toml:"password"`
	Commands          []string `toml:"commands"`
	Encoding          string   `toml:"encoding"`
	IdleTimeout       string   `toml:"idle_timeout"`
	ReconnectInterval string   `toml:"reconnect_interval"`
	MaxAttempts       int      `toml:"max_attempts"`
}

type clientConfig struct {
	Address           string
	User              string
	Password          string
	Commands          []string
	Latin1            bool
	IdleTimeout       time.Duration
	ReconnectInterval time.Duration
	MaxAttempts       int
}

func defaultConfig() clientConfig {
	return clientConfig{
		Address:           "localhost:21",
		User:              "anonymous",
		Password:          "anonymous@",
		Commands:          []string{"PWD", "QUIT"},
		IdleTimeout:       time.Minute,
		ReconnectInterval: 5 * time.Second,
		MaxAttempts:       3,
	}
}

func loadConfig(path string) (clientConfig, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return clientConfig{}, errors.Wrap(err, "load ftp config")
	}

	host, port, _ := net.SplitHostPort(cfg.Address)
	if meta.IsDefined("host") {
		host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		port = strconv.Itoa(raw.Port)
	}
	cfg.Address = net.JoinHostPort(host, port)

	if meta.IsDefined("user") {
		cfg.User = strings.TrimSpace(raw.User)
	}

	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}

	if meta.IsDefined("commands") {
		cfg.Commands = normalizeCommands(raw.Commands)
	}

	if meta.IsDefined("encoding") {
		switch strings.ToLower(strings.TrimSpace(raw.Encoding)) {
		case "", "utf8", "utf-8":
			cfg.Latin1 = false
		case "latin1", "iso-8859-1":
			cfg.Latin1 = true
		default:
			return clientConfig{}, errors.Errorf("unsupported encoding %q", raw.Encoding)
		}
	}

	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return clientConfig{}, errors.Wrap(err, "parse idle_timeout")
		}
		cfg.IdleTimeout = d
	}

	if meta.IsDefined("reconnect_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReconnectInterval))
		if err != nil {
			return clientConfig{}, errors.Wrap(err, "parse reconnect_interval")
		}
		cfg.ReconnectInterval = d
	}

	if meta.IsDefined("max_attempts") {
		cfg.MaxAttempts = raw.MaxAttempts
	}

	return cfg, nil
}

// normalizeCommands trims and upper-cases verbs and makes QUIT the last command.
func normalizeCommands(in []string) []string {
	out := make([]string, 0, len(in)+1)
	for _, cmd := range in {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		verb, rest, _ := strings.Cut(cmd, " ")
		verb = strings.ToUpper(verb)
		if verb == "QUIT" {
			continue
		}
		if rest != "" {
			cmd = verb + " " + rest
		} else {
			cmd = verb
		}
		out = append(out, cmd)
	}
	return append(out, "QUIT")
}
