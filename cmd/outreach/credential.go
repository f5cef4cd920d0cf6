package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/vault"
)

var credentialUsername string

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage tenant sending credentials",
}

var credentialSetCmd = &cobra.Command{
	Use:   "set <tenant_id>",
	Short: "Store a tenant credential (secret is read from stdin)",
	Long: `Store a tenant's provider credential in the vault.

The secret is read from the first line of stdin so it does not end up in
shell history:

  echo -n "$SMTP_PASSWORD" | outreach credential set acme --username mailer -c config.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runCredentialSet,
}

var credentialDeleteCmd = &cobra.Command{
	Use:   "delete <tenant_id>",
	Short: "Remove a tenant credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialDelete,
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants with a stored credential",
	RunE:  runCredentialList,
}

func init() {
	credentialSetCmd.Flags().StringVar(&credentialUsername, "username", "", "Provider username")

	credentialCmd.AddCommand(credentialSetCmd, credentialDeleteCmd, credentialListCmd)
	rootCmd.AddCommand(credentialCmd)
}

func openVault() (*vault.Vault, func() error, error) {
	cfg, st, err := openStorage()
	if err != nil {
		return nil, nil, err
	}

	key, err := cfg.MasterKey()
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("invalid vault master key: %w", err)
	}
	v, err := vault.New(st.DB(), key)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to open vault: %w", err)
	}
	return v, st.Close, nil
}

func runCredentialSet(cmd *cobra.Command, args []string) error {
	secret, err := readSecret(bufio.NewReader(os.Stdin))
	if err != nil {
		return err
	}

	v, closeFn, err := openVault()
	if err != nil {
		return err
	}
	defer closeFn()

	cred := vault.Credential{Username: credentialUsername, Secret: []byte(secret)}
	if err := v.Store(context.Background(), args[0], cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	fmt.Printf("Credential stored for tenant %s\n", args[0])
	return nil
}

// readSecret reads the first line of r
func readSecret(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("failed to read secret from stdin: %w", err)
		}
		return "", fmt.Errorf("secret is empty")
	}
	return line, nil
}

func runCredentialDelete(cmd *cobra.Command, args []string) error {
	v, closeFn, err := openVault()
	if err != nil {
		return err
	}
	defer closeFn()

	if err := v.Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	fmt.Printf("Credential deleted for tenant %s\n", args[0])
	return nil
}

func runCredentialList(cmd *cobra.Command, args []string) error {
	v, closeFn, err := openVault()
	if err != nil {
		return err
	}
	defer closeFn()

	infos, err := v.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No credentials stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tUSERNAME\tUPDATED")
	fmt.Fprintln(w, "------\t--------\t-------")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.TenantID, info.Username, info.UpdatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()

	return nil
}
