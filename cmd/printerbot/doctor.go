package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"printerbot/internal/config"

	"github.com/google/shlex"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your printerbot installation",
		Long: `Verifies that the configuration, cache directory, print and scan commands
and chat credentials are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("printerbot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file
			cfg := config.Defaults()
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s (using defaults)", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++

				loaded, err := config.Load(cfgPath)
				if err != nil {
					printFail("Config validation", err.Error())
					failed++
					fmt.Printf("\n%d passed, %d failed\n", passed, failed)
					return fmt.Errorf("%d check(s) failed", failed)
				}
				printPass("Config validation", "valid")
				passed++
				cfg = loaded
			}

			// 2. Cache directory
			if err := checkCacheRoot(cfg.General.CacheRoot); err != nil {
				printFail("Cache directory", err.Error())
				failed++
			} else {
				printPass("Cache directory", cfg.General.CacheRoot)
				passed++
			}

			// 3. Peripheral commands
			for _, c := range []struct{ name, template string }{
				{"Print command", cfg.Peripherals.PrintCommand},
				{"Scan command", cfg.Peripherals.ScanCommand},
			} {
				path, err := checkCommand(c.template)
				if err != nil {
					printFail(c.name, err.Error())
					failed++
				} else {
					printPass(c.name, path)
					passed++
				}
			}

			// 4. Channels
			enabled := cfg.EnabledChannels()
			if len(enabled) == 0 {
				printWarn("Channels", "none enabled (use run with mattermost arguments or the console command)")
				warned++
			}
			for _, name := range enabled {
				printPass("Channel: "+name, "configured")
				passed++
			}

			// 5. Metrics port
			if cfg.Metrics.Enabled {
				if err := checkPort(cfg.Metrics.Listen); err != nil {
					printWarn("Metrics listen", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
					warned++
				} else {
					printPass("Metrics listen", cfg.Metrics.Listen)
					passed++
				}
			}

			// 6. Log file
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running printerbot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nprinterbot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! printerbot is ready to run.\n")
			}
			return nil
		},
	}
}

// checkCacheRoot creates the print and scan folders and writes a probe file.
func checkCacheRoot(root string) error {
	if root == "" {
		return errors.New("not configured")
	}
	for _, sub := range []string{"print", "scan"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return fmt.Errorf("cannot create %s folder: %w", sub, err)
		}
	}
	f, err := os.CreateTemp(root, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// checkCommand resolves the program of a command template on PATH.
func checkCommand(template string) (string, error) {
	words, err := shlex.Split(template)
	if err != nil {
		return "", fmt.Errorf("cannot parse %q: %w", template, err)
	}
	if len(words) == 0 {
		return "", errors.New("empty command")
	}
	path, err := exec.LookPath(words[0])
	if err != nil {
		return "", fmt.Errorf("%s not found on PATH", words[0])
	}
	return path, nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
