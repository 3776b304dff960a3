package main

import (
	"context"
	"fmt"
	"io"

	"github.com/relaymesh/plansolve/internal/config"
)

func runConfigPrint(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	data, err := config.EncodeYAML(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func runConfigValidate(configPath string) error {
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	fmt.Println("config valid")
	return nil
}

// runConfigSnapshot prints the config file's path and content hash, the
// same control-plane view a /status-style config endpoint would expose.
func runConfigSnapshot(ctx context.Context, configPath string, out io.Writer) error {
	mgr := config.NewManager(configPath)
	snap, err := mgr.ConfigSnapshot(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "path: %s\nhash: %s\n", snap.Path, snap.Hash)
	return nil
}

// runConfigSchema prints the JSON Schema for the configuration file format.
func runConfigSchema(ctx context.Context, configPath string, out io.Writer) error {
	mgr := config.NewManager(configPath)
	schema, err := mgr.ConfigSchema(ctx)
	if err != nil {
		return err
	}
	_, err = out.Write(schema)
	return err
}
