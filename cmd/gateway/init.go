package main

import (
	_ "embed"
	"fmt"
	"os"
)

//go:embed .env.example
var envExampleContent string

//go:embed gateway.yaml.example
var gatewayYAMLContent string

// runInit generates .env.example and gateway.yaml.example in the current
// directory. Both are templates, safe to overwrite on every run.
func runInit() error {
	if err := os.WriteFile(".env.example", []byte(envExampleContent), 0644); err != nil {
		return fmt.Errorf("write .env.example: %w", err)
	}
	if err := os.WriteFile("gateway.yaml.example", []byte(gatewayYAMLContent), 0644); err != nil {
		return fmt.Errorf("write gateway.yaml.example: %w", err)
	}

	fmt.Println("Generated .env.example and gateway.yaml.example")
	fmt.Println("Next steps:")
	fmt.Println("  1. cp .env.example .env && cp gateway.yaml.example gateway.yaml")
	fmt.Println("  2. Edit gateway.yaml with your upstreams, and .env with your secrets")
	fmt.Println("  3. ./gateway")

	return nil
}
