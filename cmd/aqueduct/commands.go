package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/aqueduct/internal/version"
	"github.com/hrygo/aqueduct/security"
	"github.com/hrygo/aqueduct/store/db/postgres"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.StringFull())
	},
}

var tenantCmd = &cobra.Command{
	Use:   "tenant create <schema>",
	Short: "Create and migrate a tenant schema (postgres only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		if args[0] != "create" {
			return fmt.Errorf("unknown tenant subcommand: %s", args[0])
		}
		schema := args[1]

		instanceProfile := loadProfile()
		if instanceProfile.Driver != "postgres" {
			return fmt.Errorf("tenant schemas require the postgres driver; sqlite tenants are separate database files")
		}
		instanceProfile.Schema = schema

		driver, err := postgres.NewDB(instanceProfile)
		if err != nil {
			return err
		}
		defer driver.Close()

		if err := driver.Migrate(context.Background()); err != nil {
			return err
		}
		fmt.Printf("tenant schema %q created and migrated\n", schema)
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <package>",
	Short: "Sign a workflow package, writing a detached .sig file",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		keyPath := viper.GetString("key")
		if keyPath == "" {
			return fmt.Errorf("--key is required")
		}
		rawKey, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		if len(rawKey) != ed25519.PrivateKeySize {
			return fmt.Errorf("key must be a raw %d-byte ed25519 private key", ed25519.PrivateKeySize)
		}

		info, err := security.SignPackageFile(args[0], ed25519.PrivateKey(rawKey))
		if err != nil {
			return err
		}
		sigPath, err := info.Detached().WriteFile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("signed %s\n  hash:        %s\n  fingerprint: %s\n  signature:   %s\n",
			args[0], info.PackageHash, info.KeyFingerprint, sigPath)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <package>",
	Short: "Verify a workflow package against its detached signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		pubPath := viper.GetString("public-key")
		if pubPath == "" {
			return fmt.Errorf("--public-key is required")
		}
		rawPub, err := os.ReadFile(pubPath)
		if err != nil {
			return fmt.Errorf("failed to read public key: %w", err)
		}
		if len(rawPub) != ed25519.PublicKeySize {
			return fmt.Errorf("public key must be a raw %d-byte ed25519 key", ed25519.PublicKeySize)
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read package: %w", err)
		}
		sidecar, err := security.ReadDetachedSignature(args[0])
		if err != nil {
			return err
		}
		if err := security.VerifyPackageOffline(data, sidecar, ed25519.PublicKey(rawPub)); err != nil {
			return err
		}
		fmt.Printf("package %s verified\n", args[0])
		return nil
	},
}

func init() {
	signCmd.Flags().String("key", "", "path to a raw ed25519 private key")
	verifyCmd.Flags().String("public-key", "", "path to a raw ed25519 public key")
	if err := viper.BindPFlag("key", signCmd.Flags().Lookup("key")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("public-key", verifyCmd.Flags().Lookup("public-key")); err != nil {
		panic(err)
	}
}
