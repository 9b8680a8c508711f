/*
Copyright © 2012-2013 Meangrape Incorporated
*/
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"popup/internal/cloud"
	"popup/internal/config"
	"popup/internal/keystore"
	"popup/internal/logging"
	"popup/internal/manifest"

	"github.com/aws/smithy-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const version = "0.1.0"

const versionBanner = `
popup version {{.Version}}
Copyright (c) 2012-13, Meangrape Incorporated
All rights reserved.

License: Simplified BSD <http://github.com/jayed/popup/LICENSE>

`

// iamID overrides the identity popups are tagged and selected with
var iamID string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "popup",
	Short:   "Manage EC2 popup instances",
	Long:    `Create, stop, destroy and list short-lived EC2 instances used for VPN and tunnel access.`,
	Version: version,
}

// Execute adds all child commands to the root command and runs it.
// SIGINT and SIGTERM cancel the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(versionBanner)
	rootCmd.PersistentFlags().StringVarP(&iamID, "iam", "i", "",
		"Your IAM id, the key identifying your AWS resources (default $IAM_ID, then $USER)")
}

// session is everything a command needs to talk to EC2 and the local manifest
type session struct {
	cfg    *config.Config
	client cloud.Client
	store  *manifest.Store
	backup keystore.Backup
}

// newSession loads configuration and connects to EC2; any failure is fatal
func newSession(ctx context.Context) *session {
	cfg, err := config.Load()
	if err != nil {
		fatal("Failed to load configuration", err)
	}
	if iamID != "" {
		cfg.Identity = iamID
	}

	logging.Logger().Debug("Configuration loaded",
		zap.String("region", cfg.Region),
		zap.String("identity", cfg.Identity),
		zap.String("home", cfg.Home),
		zap.Strings("etcd_endpoints", cfg.Etcd.Endpoints))

	client, err := cloud.NewEC2Client(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		fatal("Failed to create EC2 client", err)
	}

	return &session{
		cfg:    cfg,
		client: client,
		store:  manifest.New(cfg.Home),
		backup: keystore.NewBackup(cfg.Etcd.Endpoints),
	}
}

func (s *session) Close() {
	if s.backup == nil {
		return
	}
	if err := s.backup.Close(); err != nil {
		logging.Logger().Warn("Failed to close key backup", zap.Error(err))
	}
}

// errorFields adds the provider error code to the log entry when err came from the EC2 API
func errorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		fields = append(fields,
			zap.String("error_code", apiErr.ErrorCode()),
			zap.String("error_message", apiErr.ErrorMessage()),
			zap.String("error_fault", apiErr.ErrorFault().String()))
	}
	return fields
}

func fatal(msg string, err error) {
	logging.Logger().Fatal(msg, errorFields(err)...)
}
