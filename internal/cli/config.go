package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stewardbot/steward/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage steward configuration values",
}

var configGetCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Get effective config value by dotted path (e.g. scheduler.maxConcurrent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		val, err := configLookup(cfg, args[0])
		if err != nil {
			return err
		}
		switch v := val.(type) {
		case map[string]any, []any:
			out, _ := json.MarshalIndent(v, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
		default:
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <path> <value>",
	Short: "Set a config value by dotted path (JSON or plain string)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := configWrite(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

// configLookup walks the effective config (defaults + file + env) as a JSON
// tree by dotted path.
func configLookup(cfg config.Config, path string) (any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var node any
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	for _, key := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path not found: %s", path)
		}
		node, ok = m[key]
		if !ok {
			return nil, fmt.Errorf("path not found: %s", path)
		}
	}
	return node, nil
}

// configWrite updates the config file only, preserving keys this build does
// not know about. Env overrides are deliberately not persisted.
func configWrite(path, rawValue string) error {
	cfgPath, err := config.ConfigPath()
	if err != nil {
		return err
	}

	tree := map[string]any{}
	if data, err := os.ReadFile(cfgPath); err == nil {
		if err := json.Unmarshal(data, &tree); err != nil {
			return fmt.Errorf("parse %s: %w", cfgPath, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	keys := strings.Split(path, ".")
	node := tree
	for _, key := range keys[:len(keys)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[key] = child
		}
		node = child
	}
	node[keys[len(keys)-1]] = parseScalar(rawValue)

	// Validate the merged result before persisting it.
	merged, _ := json.Marshal(tree)
	check := config.DefaultConfig()
	if err := json.Unmarshal(merged, &check); err != nil {
		return fmt.Errorf("value does not fit config schema: %w", err)
	}
	if err := check.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return err
	}
	out, _ := json.MarshalIndent(tree, "", "  ")
	return os.WriteFile(cfgPath, append(out, '\n'), 0o600)
}

// parseScalar interprets the raw CLI value as JSON when possible, falling
// back to a plain string.
func parseScalar(raw string) any {
	if v, err := strconv.ParseBool(raw); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
