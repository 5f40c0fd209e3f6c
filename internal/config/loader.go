package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shurlinet/profileserver/internal/validate"
)

// checkConfigFilePermissions rejects a config file with overly permissive
// permissions (group/world accessible). The file can carry TLS bundle paths
// and hosting capacity limits, so treat looseness as fatal on load.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// requiredKeys are the keys that must be present for startup to proceed;
// a missing one aborts startup.
var requiredKeys = []string{
	"primary_port",
	"server_neighbor_port",
	"client_non_customer_port",
	"client_customer_port",
	"client_app_service_port",
	"external_server_address",
	"loc_port",
	"tls_server_certificate",
	"image_data_folder",
	"db_file_name",
	"max_hosted_identities",
}

// Load reads and validates the flat key=value configuration file at path.
// Unknown keys are ignored; missing required keys abort startup.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}

	raw, err := parseKeyValueFile(path)
	if err != nil {
		return nil, err
	}

	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingKey, key)
		}
	}

	cfg := Defaults
	var perr error
	intField := func(key string, dst *int) {
		if perr != nil {
			return
		}
		v, err := strconv.Atoi(raw[key])
		if err != nil {
			perr = fmt.Errorf("%w: %s must be an integer: %v", ErrInvalidValue, key, err)
			return
		}
		*dst = v
	}

	intField("primary_port", &cfg.PrimaryPort)
	intField("server_neighbor_port", &cfg.ServerNeighborPort)
	intField("client_non_customer_port", &cfg.ClientNonCustomerPort)
	intField("client_customer_port", &cfg.ClientCustomerPort)
	intField("client_app_service_port", &cfg.ClientAppServicePort)
	intField("loc_port", &cfg.LOCPort)
	intField("max_hosted_identities", &cfg.MaxHostedIdentities)
	if perr != nil {
		return nil, perr
	}

	if _, ok := raw["max_neighbors"]; ok {
		intField("max_neighbors", &cfg.MaxNeighbors)
		if perr != nil {
			return nil, perr
		}
	}
	if _, ok := raw["max_followers"]; ok {
		intField("max_followers", &cfg.MaxFollowers)
		if perr != nil {
			return nil, perr
		}
	}
	if _, ok := raw["metrics_port"]; ok {
		intField("metrics_port", &cfg.MetricsPort)
		if perr != nil {
			return nil, perr
		}
	}

	cfg.ExternalServerAddress = raw["external_server_address"]
	cfg.FollowerPolicyFile = raw["follower_policy_file"]
	cfg.TLSServerCertificate = raw["tls_server_certificate"]
	cfg.ImageDataFolder = raw["image_data_folder"]
	cfg.DBFileName = raw["db_file_name"]

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseKeyValueFile parses `key = value` lines; blank lines and lines
// starting with '#' are ignored.
func parseKeyValueFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s:%d: expected key = value", ErrInvalidValue, path, lineNo)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			return nil, fmt.Errorf("%w: %s:%d: empty key", ErrInvalidValue, path, lineNo)
		}
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan config file %s: %w", path, err)
	}
	return out, nil
}

// Validate checks field-level invariants not expressible while parsing.
func Validate(cfg *Config) error {
	ports := map[string]int{
		"primary_port":             cfg.PrimaryPort,
		"server_neighbor_port":      cfg.ServerNeighborPort,
		"client_non_customer_port": cfg.ClientNonCustomerPort,
		"client_customer_port":     cfg.ClientCustomerPort,
		"client_app_service_port":  cfg.ClientAppServicePort,
		"loc_port":                 cfg.LOCPort,
	}
	for name, port := range ports {
		if err := validate.Port(port); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidValue, name, err)
		}
	}
	if cfg.MetricsPort != 0 {
		if err := validate.Port(cfg.MetricsPort); err != nil {
			return fmt.Errorf("%w: metrics_port: %v", ErrInvalidValue, err)
		}
	}
	if cfg.MaxHostedIdentities <= 0 {
		return fmt.Errorf("%w: max_hosted_identities must be positive", ErrInvalidValue)
	}
	if cfg.MaxNeighbors <= 0 {
		return fmt.Errorf("%w: max_neighbors must be positive", ErrInvalidValue)
	}
	if cfg.MaxFollowers <= 0 {
		return fmt.Errorf("%w: max_followers must be positive", ErrInvalidValue)
	}
	if err := validate.HostOrIP(cfg.ExternalServerAddress); err != nil {
		return fmt.Errorf("%w: external_server_address: %v", ErrInvalidValue, err)
	}
	if cfg.TLSServerCertificate == "" {
		return fmt.Errorf("%w: tls_server_certificate must not be empty", ErrInvalidValue)
	}
	if cfg.ImageDataFolder == "" {
		return fmt.Errorf("%w: image_data_folder must not be empty", ErrInvalidValue)
	}
	if cfg.DBFileName == "" {
		return fmt.Errorf("%w: db_file_name must not be empty", ErrInvalidValue)
	}
	return nil
}
