// license-issuer is the operator tool for generating signing keys and
// issuing license tokens. It runs on the vendor side, never on customer
// deployments: the private key it uses must not leave the issuing host.
package main

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"peoplecore/internal/config"
	"peoplecore/internal/license"
)

var rootCmd = &cobra.Command{
	Use:   "license-issuer",
	Short: "Issue and inspect PeopleCore license tokens",
	Long: `license-issuer generates RSA signing keys and issues signed license
tokens for PeopleCore deployments.

Tokens carry the company identity, tier limits, feature flags, expiry,
and optional hardware and installation bindings. Deployments verify the
signature with the public key only; keep the private key on the issuing
host.`,
	SilenceUsage: true,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA signing key pair",
	RunE:  runKeygen,
}

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a signed license token",
	RunE:  runIssue,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <token-file>",
	Short: "Verify a token and print its claims",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var (
	keygenBits    int
	keygenPrivOut string
	keygenPubOut  string

	issueAlgorithm      string
	issuePrivateKeyFile string
	issueHMACSecret     string
	issueLicenseID      string
	issueCompany        string
	issueLicenseType    string
	issueMaxEmployees   int
	issueValidityDays   int
	issueFeatures       []string
	issueHardwareID     string
	issueInstallationID string
	issueAdminAPIKey    string
	issueOut            string
	issueYes            bool

	inspectPublicKeyFile string
	inspectHMACSecret    string
)

func init() {
	keygenCmd.Flags().IntVar(&keygenBits, "bits", 2048, "RSA key size in bits")
	keygenCmd.Flags().StringVar(&keygenPrivOut, "private-out", "license_private.pem", "private key output path")
	keygenCmd.Flags().StringVar(&keygenPubOut, "public-out", "license_public.pem", "public key output path")

	issueCmd.Flags().StringVar(&issueAlgorithm, "algorithm", "RS256", "signing algorithm: RS256 or HS256")
	issueCmd.Flags().StringVar(&issuePrivateKeyFile, "private-key", "", "path to the RSA private key (RS256)")
	issueCmd.Flags().StringVar(&issueHMACSecret, "hmac-secret", "", "shared secret (HS256, development only)")
	issueCmd.Flags().StringVar(&issueLicenseID, "license-id", "", "license identifier (generated when empty)")
	issueCmd.Flags().StringVar(&issueCompany, "company", "", "customer company name")
	issueCmd.Flags().StringVar(&issueLicenseType, "license-type", config.TierPro, "license tier: trial, starter, pro, enterprise")
	issueCmd.Flags().IntVar(&issueMaxEmployees, "max-employees", 100, "maximum employee records")
	issueCmd.Flags().IntVar(&issueValidityDays, "validity-days", 365, "validity period in days")
	issueCmd.Flags().StringSliceVar(&issueFeatures, "features", nil, "feature flags to enable")
	issueCmd.Flags().StringVar(&issueHardwareID, "hardware-id", "", "bind token to this hardware fingerprint")
	issueCmd.Flags().StringVar(&issueInstallationID, "installation-id", "", "bind token to this installation")
	issueCmd.Flags().StringVar(&issueAdminAPIKey, "admin-api-key", "", "embed an admin panel API key in the token")
	issueCmd.Flags().StringVar(&issueOut, "out", "", "write the token to this file instead of stdout")
	issueCmd.Flags().BoolVar(&issueYes, "yes", false, "skip confirmation prompts")
	issueCmd.MarkFlagRequired("company")

	inspectCmd.Flags().StringVar(&inspectPublicKeyFile, "public-key", "", "path to the RSA public key (RS256)")
	inspectCmd.Flags().StringVar(&inspectHMACSecret, "hmac-secret", "", "shared secret (HS256)")

	rootCmd.AddCommand(keygenCmd, issueCmd, inspectCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if keygenBits < 2048 {
		return fmt.Errorf("refusing to generate a key smaller than 2048 bits")
	}

	key, err := rsa.GenerateKey(rand.Reader, keygenBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.WriteFile(keygenPrivOut, license.EncodeRSAPrivateKey(key), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	pubPEM, err := license.EncodeRSAPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}
	if err := os.WriteFile(keygenPubOut, pubPEM, 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key:  %s\n", keygenPrivOut, keygenPubOut)
	return nil
}

func buildIssueCodec() (license.TokenCodec, error) {
	switch issueAlgorithm {
	case "RS256":
		if issuePrivateKeyFile == "" {
			return nil, fmt.Errorf("--private-key is required for RS256")
		}
		priv, err := license.LoadRSAPrivateKey(issuePrivateKeyFile)
		if err != nil {
			return nil, err
		}
		return license.NewCodec("RS256", &priv.PublicKey, priv, nil)
	case "HS256":
		if issueHMACSecret == "" {
			return nil, fmt.Errorf("--hmac-secret is required for HS256")
		}
		return license.NewCodec("HS256", nil, nil, []byte(issueHMACSecret))
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", issueAlgorithm)
	}
}

func runIssue(cmd *cobra.Command, args []string) error {
	codec, err := buildIssueCodec()
	if err != nil {
		return err
	}

	switch issueLicenseType {
	case config.TierTrial, config.TierStarter, config.TierPro, config.TierEnterprise:
	default:
		return fmt.Errorf("unknown license type %q", issueLicenseType)
	}
	if issueValidityDays <= 0 {
		return fmt.Errorf("--validity-days must be positive")
	}

	// An unbound token runs on any host. Make the operator say so.
	if issueHardwareID == "" && !issueYes {
		fmt.Fprint(cmd.OutOrStdout(), "no --hardware-id given; the token will not be bound to a host. Continue? [y/N] ")
		reader := bufio.NewReader(cmd.InOrStdin())
		answer, _ := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
		default:
			return fmt.Errorf("aborted")
		}
	}

	licenseID := issueLicenseID
	if licenseID == "" {
		slug := strings.ToUpper(strings.ReplaceAll(issueCompany, " ", ""))
		if len(slug) > 8 {
			slug = slug[:8]
		}
		licenseID = fmt.Sprintf("LIC-%d-%s-%s", time.Now().Year(), slug, uuid.New().String()[:8])
	}

	now := time.Now().UTC()
	claims := &license.Claims{
		LicenseID:           licenseID,
		CompanyName:         issueCompany,
		LicenseType:         issueLicenseType,
		MaxEmployees:        issueMaxEmployees,
		Features:            issueFeatures,
		HardwareID:          issueHardwareID,
		EnforceHardware:     issueHardwareID != "",
		InstallationID:      issueInstallationID,
		EnforceInstallation: issueInstallationID != "",
		AdminAPIKey:         issueAdminAPIKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    config.TokenIssuer,
			Subject:   issueCompany,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.AddDate(0, 0, issueValidityDays)),
		},
	}

	token, err := codec.Sign(claims)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	if issueOut != "" {
		if err := os.WriteFile(issueOut, []byte(token), 0600); err != nil {
			return fmt.Errorf("failed to write token: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "issued %s for %s, expires %s\ntoken written to %s\n",
			licenseID, issueCompany, claims.ExpiresAt.Format("2006-01-02"), issueOut)
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func buildInspectCodec() (license.TokenCodec, error) {
	if inspectPublicKeyFile != "" {
		pub, err := license.LoadRSAPublicKey(inspectPublicKeyFile)
		if err != nil {
			return nil, err
		}
		return license.NewCodec("RS256", pub, nil, nil)
	}
	if inspectHMACSecret != "" {
		return license.NewCodec("HS256", nil, nil, []byte(inspectHMACSecret))
	}
	return nil, fmt.Errorf("provide --public-key or --hmac-secret")
}

func runInspect(cmd *cobra.Command, args []string) error {
	codec, err := buildInspectCodec()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}

	claims, err := codec.Verify(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("token verification failed: %w", err)
	}

	out, err := json.MarshalIndent(claims, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if exp := claims.ExpiresAtTime(); !exp.IsZero() && exp.Before(time.Now()) {
		fmt.Fprintf(cmd.OutOrStdout(), "\nnote: token expired %s\n", exp.Format(time.RFC3339))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
