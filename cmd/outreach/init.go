package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	initHostname string
	initOutput   string
	initDataDir  string
	initCrafting string
	initDispatch string
	initSMTPHost string
	initAPIKey   string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate an Outreach configuration file",
	Long: `Generate a configuration file with a fresh vault master key and API key.

Examples:
  # Production setup relaying through an SMTP server, crafting with Gemini
  outreach init --hostname mx.example.com --smtp-host relay.example.com

  # Local setup that captures mail and renders templates
  outreach init --crafting template --dispatch sandbox --data-dir ./data -o dev.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initHostname, "hostname", "", "Hostname used in Message-ID and EHLO (default: system hostname)")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/outreach", "Data directory for the database")
	initCmd.Flags().StringVar(&initCrafting, "crafting", "genai", "Crafting provider: genai, template")
	initCmd.Flags().StringVar(&initDispatch, "dispatch", "smtp", "Mail provider: smtp, http, sandbox")
	initCmd.Flags().StringVar(&initSMTPHost, "smtp-host", "", "SMTP relay host")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}
	if initDispatch == "smtp" && initSMTPHost == "" {
		return fmt.Errorf("--smtp-host is required when dispatch is smtp")
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}
	masterKey := generateRandomString(64)

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig(masterKey)), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()
	fmt.Println("The vault master key is stored in the file. Keep a copy: stored")
	fmt.Println("credentials cannot be decrypted without it.")
	if initCrafting == "genai" {
		fmt.Println()
		fmt.Println("Set GEMINI_API_KEY before starting the server.")
	}
	fmt.Println()
	fmt.Printf("Next: outreach config validate -c %s && outreach serve -c %s\n", initOutput, initOutput)

	return nil
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig(masterKey string) string {
	hostname := ""
	if initHostname != "" {
		hostname = fmt.Sprintf("  hostname: %q\n", initHostname)
	}

	var dispatch string
	switch initDispatch {
	case "sandbox":
		dispatch = `dispatch:
  provider: sandbox
`
	case "http":
		dispatch = `dispatch:
  provider: http
  http:
    endpoint: "https://mail-api.example.com/v1/send"
`
	default:
		dispatch = fmt.Sprintf(`dispatch:
  provider: smtp
  smtp:
    host: %q
    port: 587
    tls: starttls
  # dkim:
  #   enabled: true
  #   domain: "example.com"
  #   selector: "outreach"
  #   key_file: "%s/dkim/example.com.key"
`, initSMTPHost, initDataDir)
	}

	crafting := `crafting:
  provider: genai
  max_attempts: 3
  genai:
    api_key_env: GEMINI_API_KEY
    model: gemini-2.5-flash
`
	if initCrafting == "template" {
		crafting = `crafting:
  provider: template
  template:
    subject: "{{campaign_name}} for {{lead_name}}"
    body: |
      Hi {{lead_name}},

      {{offering}}

      {{call_to_action}}
`
	}

	return fmt.Sprintf(`# Outreach configuration

server:
%s
engine:
  workers: 4

%s
%s
vault:
  master_key: %q

storage:
  path: %q
  retention:
    finished_max_age: 720h
    retired_max_age: 168h

plans:
  - name: starter
    rate_per_second: 1
    max_concurrency: 2
    messages_per_day: 500
  - name: growth
    rate_per_second: 10
    max_concurrency: 20
    messages_per_hour: 5000

tenants:
  default_plan: starter

api:
  enabled: true
  listen_addr: ":8080"
  api_key: %q

metrics:
  enabled: true
  listen_addr: "127.0.0.1:9090"

logging:
  level: info
  format: json
`, hostname, crafting, dispatch, masterKey, filepath.Join(initDataDir, "outreach.db"), initAPIKey)
}
