package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

// envKeyReplacer maps nested keys such as log.level onto TRACKER_LOG_LEVEL.
var envKeyReplacer = strings.NewReplacer(".", "_")

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "tracker"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage tracker configuration.

Running bare 'tracker config' is the same as 'tracker config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the effective configuration for invalid values",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configValidateRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# tracker configuration
# See: tracker config show (for effective values and sources)

# State/data directory (default: ~/.config/tracker)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/tracker/tracker.db)
# db_path: {{ .DBPath }}

# HTTP port for 'tracker serve'
port: {{ .Port }}

# Logging
log:
  # debug, info, warn, error
  level: "{{ .LogLevel }}"
  # text or json
  format: "{{ .LogFormat }}"

defaults:
  # Category given to issues created without one
  category: "{{ .DefaultCategory }}"

cli:
  # Username the CLI acts as when --as is not given
  user: "{{ .CLIUser }}"

mcp:
  # Username the MCP server acts as
  user: "{{ .MCPUser }}"

# Category triage with 'tracker issue triage' (optional)
anthropic:
  # API key (or set TRACKER_ANTHROPIC_API_KEY)
  api_key: ""
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir        string
	DBPath          string
	Port            int
	LogLevel        string
	LogFormat       string
	DefaultCategory string
	CLIUser         string
	MCPUser         string
	AnthropicModel  string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:        viper.GetString("state_dir"),
		DBPath:          viper.GetString("db_path"),
		Port:            viper.GetInt("port"),
		LogLevel:        viper.GetString("log.level"),
		LogFormat:       viper.GetString("log.format"),
		DefaultCategory: viper.GetString("defaults.category"),
		CLIUser:         viper.GetString("cli.user"),
		MCPUser:         viper.GetString("mcp.user"),
		AnthropicModel:  viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string

	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir"},
	{Key: "db_path"},
	{Key: "port"},
	{Key: "log.level"},
	{Key: "log.format"},
	{Key: "defaults.category"},
	{Key: "cli.user"},
	{Key: "mcp.user"},
	{Key: "anthropic.api_key", Secret: true},
	{Key: "anthropic.model"},
}

// envVarFor returns the environment variable that overrides key.
func envVarFor(key string) string {
	return "TRACKER_" + strings.ToUpper(envKeyReplacer.Replace(key))
}

// maskSecret hides all but the last four characters of a secret value.
func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	fileValues, err := readConfigFileValues(cfgPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		ui.Info("Config file: (none)")
	case err != nil:
		ui.Warning("Config file %s is unreadable: %v", cfgPath, err)
	default:
		ui.Info("Config file: %s", cfgPath)
	}
	fmt.Fprintln(ui.Out)

	table := ui.Table([]string{"Key", "Value", "Source"})
	for _, k := range configKeys {
		val := viper.GetString(k.Key)
		if k.Secret {
			val = maskSecret(val)
		}
		_ = table.Append([]string{k.Key, val, detectSource(k.Key, envVarFor(k.Key), fileValues)})
	}
	return table.Render()
}

// readConfigFileValues returns the set of dot-notation keys present in the
// YAML file at path. A missing file yields os.ErrNotExist.
func readConfigFileValues(path string) (map[string]bool, error) {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result, err
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result, fmt.Errorf("parse %s: %w", path, err)
	}

	flattenKeys("", parsed, result)
	return result, nil
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return "env: " + envVar
	}
	if fileValues[key] {
		return "file"
	}
	return "default"
}

// settings is the subset of configuration that must hold sane values before
// the tracker starts.
type settings struct {
	DBPath          string `validate:"required"`
	Port            int    `validate:"min=1,max=65535"`
	LogLevel        string `validate:"oneof=debug info warn warning error"`
	LogFormat       string `validate:"oneof=text json"`
	DefaultCategory string `validate:"required"`
}

var settingsValidator = validator.New()

// checkSettings validates the effective configuration, returning one line
// per problem.
func checkSettings() []string {
	cfg := settings{
		DBPath:          viper.GetString("db_path"),
		Port:            viper.GetInt("port"),
		LogLevel:        strings.ToLower(viper.GetString("log.level")),
		LogFormat:       strings.ToLower(viper.GetString("log.format")),
		DefaultCategory: viper.GetString("defaults.category"),
	}
	err := settingsValidator.Struct(cfg)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	return lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		if fe.Param() != "" {
			return fmt.Sprintf("%s: must satisfy %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Sprintf("%s: %s", fe.Field(), fe.Tag())
	})
}

func configValidateRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := readConfigFileValues(cfgPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	problems := checkSettings()
	if len(problems) == 0 {
		ui.Success("Configuration is valid")
		return nil
	}
	for _, p := range problems {
		ui.Error("%s", p)
	}
	return fmt.Errorf("configuration has %d problem(s)", len(problems))
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'tracker config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	if err := editCmd.Run(); err != nil {
		return err
	}

	// Catch YAML typos before the next command trips over them.
	_, err = readConfigFileValues(cfgPath)
	return err
}
