package main

import (
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"appbuilder/pkg/config"
	"appbuilder/services/synth"
)

func (c *cli) newAppCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Local app generation and verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(c.newAppGenerateCommand())
	cmd.AddCommand(c.newAppVerifyCommand())
	return cmd
}

func (c *cli) newAppGenerateCommand() *cobra.Command {
	var (
		prdFile     string
		app         synth.AppConfig
		out         string
		format      string
		skipInstall bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Parse a PRD, synthesize the app, and package it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOf(cmd)
			cfg, err := c.config(ctx)
			if err != nil {
				return err
			}
			if format != "" {
				cfg.Package.Format = format
			}
			gen, err := c.generator(cfg, skipInstall)
			if err != nil {
				return err
			}

			model, err := readPRD(prdFile)
			if err != nil {
				return err
			}
			pkg, err := gen.Build(ctx, model, app, out)
			if err != nil {
				return err
			}

			return c.show(pkg, table.Row{"Field", "Value"}, []table.Row{
				{"app", synth.AppPath(out, app.Name)},
				{"package", pkg.Path},
				{"manifest", pkg.ManifestPath},
				{"format", pkg.Format},
				{"size", pkg.Size},
				{"sha256", pkg.SHA256},
			})
		},
	}

	cmd.Flags().StringVar(&prdFile, "prd", "", "Path to the requirement document")
	cmd.Flags().StringVar(&app.Name, "name", "", "App name (a valid Python identifier)")
	cmd.Flags().StringVar(&app.Title, "title", "", "App title")
	cmd.Flags().StringVar(&app.Description, "description", "", "App description")
	cmd.Flags().StringVar(&app.Publisher, "publisher", "", "Publisher name")
	cmd.Flags().StringVar(&app.Email, "email", "", "Publisher email")
	cmd.Flags().StringVar(&app.License, "license", "", "License identifier")
	cmd.Flags().StringVar(&app.Version, "version", "", "App version")
	cmd.Flags().StringVar(&out, "out", ".", "Directory the app and its package are written to")
	cmd.Flags().StringVar(&format, "format", "", "Archive format (tar.gz or tar.zst)")
	cmd.Flags().BoolVar(&skipInstall, "skip-install", false, "Do not install the app with bench even when it is available")
	_ = cmd.MarkFlagRequired("prd")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func (c *cli) newAppVerifyCommand() *cobra.Command {
	var (
		archive  string
		manifest string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a package against its build manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config(contextOf(cmd))
			if err != nil {
				return err
			}
			signer, err := signerFor(cfg.Package)
			if err != nil {
				return err
			}
			m, err := synth.VerifyManifest(archive, manifest, signer)
			if err != nil {
				return err
			}
			signed := "no"
			if m.Signature != "" {
				signed = "yes"
			}
			return c.show(m, table.Row{"App", "Format", "Files", "SHA256", "Signed"}, []table.Row{
				{m.App, m.Format, len(m.Files), m.Archive.SHA256, signed},
			})
		},
	}

	cmd.Flags().StringVar(&archive, "archive", "", "Path to the package archive")
	cmd.Flags().StringVar(&manifest, "manifest", "", "Path to the build manifest")
	_ = cmd.MarkFlagRequired("archive")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func signerFor(cfg config.Package) (*synth.Signer, error) {
	if cfg.SigningKey == "" {
		return nil, nil
	}
	signer, err := synth.NewSigner(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	return signer, nil
}

func (c *cli) generator(cfg config.Config, skipInstall bool) (*synth.Generator, error) {
	logger, err := c.logger(cfg)
	if err != nil {
		return nil, err
	}
	signer, err := signerFor(cfg.Package)
	if err != nil {
		return nil, err
	}
	gcfg := synth.Config{Format: cfg.Package.Format, Signer: signer, Logger: logger}
	if skipInstall {
		gcfg.LookPath = func(string) (string, error) { return "", errors.New("install skipped") }
	}
	return synth.New(gcfg)
}
