package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/stewardbot/steward/internal/config"
	"github.com/stewardbot/steward/internal/identity"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect and verify conversation identities",
}

var (
	identityMethod  string
	identityContact string
	identityQR      bool
)

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known identities",
	RunE:  runIdentityList,
}

var identityVerifyCmd = &cobra.Command{
	Use:   "verify <identity-id>",
	Short: "Issue a verification code for an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentityVerify,
}

var identityRedeemCmd = &cobra.Command{
	Use:   "redeem <identity-id> <code>",
	Short: "Redeem a verification code",
	Args:  cobra.ExactArgs(2),
	RunE:  runIdentityRedeem,
}

func init() {
	identityVerifyCmd.Flags().StringVar(&identityMethod, "method", "channel", "Verification method label")
	identityVerifyCmd.Flags().StringVar(&identityContact, "contact", "", "Contact the code binds to (email, phone, handle)")
	identityVerifyCmd.Flags().BoolVar(&identityQR, "qr", false, "Also write the code as a QR PNG next to the database")
	_ = identityVerifyCmd.MarkFlagRequired("contact")

	identityCmd.AddCommand(identityListCmd, identityVerifyCmd, identityRedeemCmd)
	rootCmd.AddCommand(identityCmd)
}

func runIdentityList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	idents, err := st.ListIdentities()
	if err != nil {
		return err
	}
	if len(idents) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No identities yet.")
		return nil
	}
	for _, id := range idents {
		line := fmt.Sprintf("%s  %-9s  %s/%s", id.IdentityID, id.VerificationStatus, id.Channel, id.ThreadID)
		if id.PersistentUserID != "" {
			line += "  -> " + id.PersistentUserID
		}
		if id.MergedAt != nil {
			line += "  (merged)"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

// consoleCodeSender prints the code instead of delivering it over a channel,
// optionally rendering it as a QR image for pairing-style flows.
type consoleCodeSender struct {
	out    func(format string, a ...any)
	qrPath string
}

func (s consoleCodeSender) SendCode(ctx context.Context, channel, contact, code string) error {
	s.out("Verification code for %s (%s): %s\n", contact, channel, color.YellowString(code))
	if s.qrPath != "" {
		if err := qrcode.WriteFile(code, qrcode.Medium, 512, s.qrPath); err != nil {
			return fmt.Errorf("write qr: %w", err)
		}
		s.out("QR written to %s\n", s.qrPath)
	}
	return nil
}

func runIdentityVerify(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sender := consoleCodeSender{
		out: func(format string, a ...any) { fmt.Fprintf(cmd.OutOrStdout(), format, a...) },
	}
	if identityQR {
		sender.qrPath = filepath.Join(cfg.Paths.DataDir, "verify-qr.png")
	}
	registry := identity.NewRegistry(st, sender, cfg.Verification.CodeTTL, nil, nil)
	return registry.IssueVerification(cmd.Context(), args[0], identityMethod, identityContact)
}

func runIdentityRedeem(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	publisher, closePublisher := auditPublisher(cfg, nil)
	defer closePublisher()

	registry := identity.NewRegistry(st, nil, cfg.Verification.CodeTTL, publisher, nil)
	res, err := registry.Redeem(cmd.Context(), args[0], args[1])
	var mc *identity.MergeConflictError
	if errors.As(err, &mc) {
		fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("Merged with conflicts: %v", mc.Kinds))
		err = nil
	}
	if err != nil {
		return err
	}
	if res.Merged {
		fmt.Fprintf(cmd.OutOrStdout(), "Verified and merged into existing user %s\n", res.UserID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Verified as %s\n", res.UserID)
	}
	return nil
}
