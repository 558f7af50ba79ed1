package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pavelanni/questionflow/internal/auth"
	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/storage"
	"github.com/pavelanni/questionflow/internal/store"
)

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export package progress as JSON",
		RunE:  runExport,
	}
	addCommonFlags(cmd)
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportProgress(cmd.Context())
	if err != nil {
		return fmt.Errorf("export progress: %w", err)
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	slog.Info("exported progress", "packages", len(export.Packages), "output", outPath)
	return nil
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a user so they can sign in",
		RunE:  runUserCreate,
	}
	addCommonFlags(create)
	f := create.Flags()
	f.String("email", "", "E-mail the user signs in with (required)")
	f.String("name", "", "Display name")
	f.String("role", "", "Role: question_maker, data_entry, qc_data, metadata, administrator (required)")
	f.String("vendor", "", "Vendor the user works for")
	f.String("password", "", "Password for local login (optional)")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("role")
	cmd.AddCommand(create)
	return cmd
}

func runUserCreate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	role, err := model.ParseRole(v.GetString("role"))
	if err != nil {
		return err
	}
	email := strings.TrimSpace(v.GetString("email"))
	name := v.GetString("name")
	if name == "" {
		name = email
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	existing, err := db.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("user %s already exists with role %s", email, existing.Role)
	}

	u := model.User{Name: name, Email: email, Role: role, VendorName: v.GetString("vendor")}
	if pw := v.GetString("password"); pw != "" {
		if u.PasswordHash, err = auth.HashPassword(pw); err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
	}
	id, err := db.CreateUser(ctx, u)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created user %d (%s, %s)\n", id, email, role)
	return nil
}

func driveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Manage the Google Drive document store",
	}
	authorize := &cobra.Command{
		Use:   "authorize",
		Short: "Grant access to Google Drive and save the token",
		RunE:  runDriveAuthorize,
	}
	addCommonFlags(authorize)
	f := authorize.Flags()
	f.String("drive-credentials", "", "Google OAuth client JSON (required)")
	f.String("drive-token", "drive-token.json", "Where to save the token")
	cmd.AddCommand(authorize)
	return cmd
}

func runDriveAuthorize(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	creds := v.GetString("drive-credentials")
	if creds == "" {
		return fmt.Errorf("--drive-credentials is required")
	}
	consent, err := storage.NewDriveConsent(creds, v.GetString("drive-token"))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Open this link, approve access, and paste the code shown:\n\n%s\n\ncode: ", consent.AuthURL("questionflow"))
	code, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("read code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("no code entered")
	}
	if err := consent.Complete(context.WithoutCancel(cmd.Context()), code); err != nil {
		return err
	}
	fmt.Fprintf(out, "token saved to %s\n", v.GetString("drive-token"))
	return nil
}
