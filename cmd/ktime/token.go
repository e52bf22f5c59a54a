package main

import (
	"fmt"
	"os"

	"github.com/goodtune/ktime/internal/auth"
	"github.com/goodtune/ktime/internal/config"
	"github.com/spf13/cobra"
)

var (
	tokenChild    string
	tokenDevice   string
	tokenParent   string
	tokenChildren []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue bearer tokens",
	Long:  `Issue bearer tokens for devices and parents, signed with the configured auth.jwt_secret.`,
}

var tokenDeviceCmd = &cobra.Command{
	Use:     "device",
	Short:   "Issue a device token",
	Example: `  ktime token device --child alice --device living-room-tv`,
	Args:    cobra.NoArgs,
	RunE:    runTokenDevice,
}

var tokenParentCmd = &cobra.Command{
	Use:     "parent",
	Short:   "Issue a parent token",
	Example: `  ktime token parent --parent mum --child alice --child bob`,
	Args:    cobra.NoArgs,
	RunE:    runTokenParent,
}

func init() {
	tokenDeviceCmd.Flags().StringVar(&tokenChild, "child", "", "Child ID (required)")
	tokenDeviceCmd.Flags().StringVar(&tokenDevice, "device", "", "Device ID (required)")
	tokenDeviceCmd.MarkFlagRequired("child")
	tokenDeviceCmd.MarkFlagRequired("device")

	tokenParentCmd.Flags().StringVar(&tokenParent, "parent", "", "Parent ID (required)")
	tokenParentCmd.Flags().StringArrayVar(&tokenChildren, "child", nil, "Child ID the parent manages (repeatable)")
	tokenParentCmd.MarkFlagRequired("parent")

	tokenCmd.AddCommand(tokenDeviceCmd)
	tokenCmd.AddCommand(tokenParentCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenDevice(cmd *cobra.Command, args []string) error {
	service, err := loadTokenService()
	if err != nil {
		return err
	}

	token, err := service.IssueDeviceToken(tokenChild, tokenDevice)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Fprintln(os.Stdout, token)
	return nil
}

func runTokenParent(cmd *cobra.Command, args []string) error {
	service, err := loadTokenService()
	if err != nil {
		return err
	}

	if len(tokenChildren) == 0 {
		fmt.Fprintln(os.Stderr, "⚠️  Warning: token covers no children")
	}

	token, err := service.IssueParentToken(tokenParent, tokenChildren)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Fprintln(os.Stdout, token)
	return nil
}

func loadTokenService() (*auth.Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return auth.NewService(
		cfg.Auth.JWTSecret,
		cfg.Auth.Issuer,
		config.ParseDuration(cfg.Auth.DeviceTokenTTL, auth.DefaultDeviceTokenTTL),
		config.ParseDuration(cfg.Auth.ParentTokenTTL, auth.DefaultParentTokenTTL),
	)
}
