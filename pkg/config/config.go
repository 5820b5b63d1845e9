// Package config loads lockbase's server configuration: listen ports, TLS
// material, admin-provisioning passthrough, and logging. Values come from
// CLI flags (github.com/spf13/cobra), optionally layered on top of a YAML
// file (gopkg.in/yaml.v3) when one is given with --config — flags set
// explicitly on the command line always win over the file.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config holds every option the server recognizes: listen ports, TLS
// material, admin-provisioning passthrough, and the ambient logging flags,
// all bound by BindFlags.
type Config struct {
	// HTTPPort serves plaintext when HTTPSKey/HTTPSCert are not set.
	HTTPPort int `yaml:"httpPort"`
	// HTTPSPort serves TLS once HTTPSKey/HTTPSCert are both set.
	HTTPSPort int `yaml:"httpsPort"`
	HTTPSKey  string `yaml:"httpsKey"`
	HTTPSCert string `yaml:"httpsCert"`

	// DataDir is where the bbolt store file and the server's static
	// X25519 key live.
	DataDir string `yaml:"dataDir"`

	// AdminAppID and AdminProvisioningURL are forwarded verbatim to the
	// external admin collaborator's provisioning options; lockbase itself
	// never calls either.
	AdminAppID           string `yaml:"adminAppId"`
	AdminProvisioningURL string `yaml:"adminProvisioningUrl"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJson"`
}

// Default returns the documented defaults: plaintext on 8080, TLS
// available on 8443 once certs are configured.
func Default() Config {
	return Config{
		HTTPPort:  8080,
		HTTPSPort: 8443,
		DataDir:   "./data",
		LogLevel:  "info",
	}
}

// TLSEnabled reports whether both halves of the certificate pair are
// configured.
func (c Config) TLSEnabled() bool {
	return c.HTTPSKey != "" && c.HTTPSCert != ""
}

// BindFlags registers the flags Load reads, with the documented defaults.
func BindFlags(cmd *cobra.Command) {
	def := Default()
	cmd.Flags().String("config", "", "Path to a YAML config file; CLI flags override its values")
	cmd.Flags().Int("http-port", def.HTTPPort, "Plaintext HTTP port")
	cmd.Flags().Int("https-port", def.HTTPSPort, "TLS port, used once --https-key/--https-cert are set")
	cmd.Flags().String("https-key", "", "Path to the TLS private key")
	cmd.Flags().String("https-cert", "", "Path to the TLS certificate chain")
	cmd.Flags().String("data-dir", def.DataDir, "Directory for the transaction store and server key material")
	cmd.Flags().String("admin-app-id", "", "Application id forwarded to the admin collaborator")
	cmd.Flags().String("admin-provisioning-url", "", "Admin collaborator base URL, forwarded verbatim")
	cmd.Flags().String("log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

// Load builds a Config from cmd's flags, layering a --config YAML file
// underneath any flags the caller did not explicitly set.
func Load(cmd *cobra.Command) (Config, error) {
	cfg := Default()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overlayString(cmd, "https-key", &cfg.HTTPSKey)
	overlayString(cmd, "https-cert", &cfg.HTTPSCert)
	overlayString(cmd, "data-dir", &cfg.DataDir)
	overlayString(cmd, "admin-app-id", &cfg.AdminAppID)
	overlayString(cmd, "admin-provisioning-url", &cfg.AdminProvisioningURL)
	overlayString(cmd, "log-level", &cfg.LogLevel)
	overlayInt(cmd, "http-port", &cfg.HTTPPort)
	overlayInt(cmd, "https-port", &cfg.HTTPSPort)
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}

	return cfg, nil
}

func overlayString(cmd *cobra.Command, flag string, dst *string) {
	if cmd.Flags().Changed(flag) {
		*dst, _ = cmd.Flags().GetString(flag)
	}
}

func overlayInt(cmd *cobra.Command, flag string, dst *int) {
	if cmd.Flags().Changed(flag) {
		*dst, _ = cmd.Flags().GetInt(flag)
	}
}
