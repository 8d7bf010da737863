package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newKeygenCmd creates the 'keygen' subcommand, which writes a fresh RSA
// signing key for the instance actor.
func newKeygenCmd() *cobra.Command {
	var out string
	var bits int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generates an RSA signing key for this instance",
		RunE: func(_ *cobra.Command, _ []string) error {
			key, err := rsa.GenerateKey(rand.Reader, bits)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			der, err := x509.MarshalPKCS8PrivateKey(key)
			if err != nil {
				return fmt.Errorf("encode key: %w", err)
			}
			block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
			if err := os.WriteFile(out, pem.EncodeToMemory(block), 0o600); err != nil {
				return fmt.Errorf("write key: %w", err)
			}
			fmt.Printf("wrote %d-bit RSA key to %s\n", bits, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "fedimirror.pem", "output path for the PEM-encoded private key")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size in bits")
	return cmd
}
