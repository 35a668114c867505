package cmd

import (
	"fmt"

	"github.com/inovacc/tillsync/internal/auth"
	"github.com/inovacc/tillsync/internal/encoding"
	"github.com/inovacc/tillsync/internal/scope"
	"github.com/spf13/cobra"
)

var (
	codeSave   bool
	codePNG    string
	codePNGSiz int
)

var codeCmd = &cobra.Command{
	Use:   "code",
	Short: "Create and inspect company codes",
	Long: `A company code is the shared secret of a business. Every device that knows
it can read and write the business records; nobody else can, relays included.
Keep it like a password.`,
}

var codeNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a new company code",
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := scope.NewCode()
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintln(cmd.OutOrStdout(), code)

		if !codeSave {
			return nil
		}

		if cfg.Code != "" && !promptConfirm("Replace the configured company code? [y/N]: ") {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
			return nil
		}

		cfg.Code = code

		if err := saveConfig(); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved to %s\n", configPath)

		return nil
	},
}

var codeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the configured company code and its topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadScope()
		if err != nil {
			return err
		}

		formatted, err := scope.FormatCode(s.Code)
		if err != nil {
			return err
		}

		name := cfg.BusinessName
		if name == "" {
			name = "(not announced)"
		}

		printInfoBox(cmd.OutOrStdout(), "Company code", map[string]string{
			"Code":     formatted,
			"Business": name,
			"Topic":    s.Topic,
		}, []string{"Code", "Business", "Topic"})

		return nil
	},
}

var codeQRCmd = &cobra.Command{
	Use:   "qr",
	Short: "Print the company code as a barcode for other devices to scan",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Code == "" {
			return errNotJoined
		}

		if codePNG == "" {
			art, err := scope.RenderQR(cfg.Code)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprint(cmd.OutOrStdout(), art)

			return nil
		}

		path, err := expandPath(codePNG)
		if err != nil {
			return err
		}

		png, err := scope.QRPNG(cfg.Code, codePNGSiz)
		if err != nil {
			return err
		}

		if err := encoding.WriteFileAtomic(path, png, 0o600); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)

		return nil
	},
}

var codeDeriveCmd = &cobra.Command{
	Use:   "derive [code]",
	Short: "Print the relay topic of a company code",
	Long:  `Derive the scope of a company code and print its public topic. The code itself is never printed.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := auth.NewResolver()
		if len(args) == 1 {
			r.WithValue(auth.SourceFlag, args[0])
		}

		res, err := r.WithEnv(auth.CodeEnv).WithConfig(cfg.Code).WithPrompt(promptCode).Resolve()
		if err != nil {
			return err
		}

		s, err := scope.Derive(res.Code)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintln(cmd.OutOrStdout(), s.Topic)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(codeCmd)
	codeCmd.AddCommand(codeNewCmd, codeShowCmd, codeQRCmd, codeDeriveCmd)

	codeNewCmd.Flags().BoolVar(&codeSave, "save", false, "Store the new code in the config")
	codeQRCmd.Flags().StringVar(&codePNG, "png", "", "Write the barcode to a PNG file instead of the terminal")
	codeQRCmd.Flags().IntVar(&codePNGSiz, "size", 256, "PNG size in pixels")
}
