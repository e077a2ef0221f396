package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aibo-app/aibo-sub001/internal/backend"
	"github.com/aibo-app/aibo-sub001/internal/config"
	"github.com/aibo-app/aibo-sub001/internal/doctor"
	"github.com/aibo-app/aibo-sub001/internal/secrets"
	"github.com/aibo-app/aibo-sub001/internal/telemetry"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: aibo doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Continue anyway to diagnose why.
	}

	deps := doctor.Deps{
		Backend: backend.New(backend.Options{
			BaseURL: cfg.Backend.URL,
			Token:   cfg.Backend.Token,
			Logger:  telemetry.NewDiscardLogger(),
		}),
		Keyring: secrets.NewKeyringStore(),
	}
	diag := doctor.Run(ctx, &cfg, Version, deps)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	printDiagnosis(os.Stdout, diag)
	if diag.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "Aibo Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")

	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case doctor.StatusFail:
			icon = "❌"
		case doctor.StatusWarn:
			icon = "⚠️ "
		case doctor.StatusSkip:
			icon = "⏩"
		}

		fmt.Fprintf(w, "%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
}
