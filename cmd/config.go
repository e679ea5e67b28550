package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/greptilebot/greptilebot/internal/model"
	"github.com/greptilebot/greptilebot/internal/store"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage runtime configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show all configuration values",
	RunE:  runConfigList,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

func runConfigList(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	config, err := s.AllConfig()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(config))
	for key := range config {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		fmt.Printf("%s = %s\n", key, config[key])
	}

	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	value, err := s.GetConfig(args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("unknown config key %q", args[0])
	}
	if err != nil {
		return err
	}

	fmt.Println(value)

	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	if err := model.ValidateConfig(key, value); err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := s.SetConfig(key, value); err != nil {
		return err
	}

	fmt.Printf("%s set to %q\n", key, value)

	return nil
}
