// ABOUTME: Default command: start an instance for a project directory
// ABOUTME: Ensures a broker is running, asks it to start the instance, and prints the web URL

package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"

	"github.com/2389/opencode-web/internal/client"
)

// WebAppBaseURL is the hosted web UI; it finds the instance through ?port=.
const WebAppBaseURL = "https://opencode-web.vercel.app/"

// webURL returns the web UI address for an instance proxy port.
func webURL(port int) string {
	return WebAppBaseURL + "?" + url.Values{"port": {strconv.Itoa(port)}}.Encode()
}

// resolveStartPath turns a user-supplied path into an absolute project
// directory. Files resolve to their parent; missing paths are an error.
func resolveStartPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("path does not exist: %s", abs)
		}
		return "", fmt.Errorf("checking %s: %w", abs, err)
	}
	if !info.IsDir() {
		abs = filepath.Dir(abs)
	}
	return abs, nil
}

func runStart(ctx context.Context, path string) error {
	dir, err := resolveStartPath(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger(cfg)

	brokerPort, err := newDiscovery(cfg, logger).EnsureBroker(ctx)
	if err != nil {
		return fmt.Errorf("starting broker: %w", err)
	}
	c := client.New(cfg.Broker.Host, brokerPort)

	gray := color.New(color.FgHiBlack)
	gray.Printf("Starting instance for %s...\n", dir)

	res, err := c.Start(ctx, dir)
	if errors.Is(err, client.ErrConflict) {
		color.Yellow("Instance already running for %s", dir)
		if port, ok := findOnlinePort(ctx, c, dir); ok {
			printInstanceURL(port)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start instance: %w", err)
	}

	color.Green("Instance started for %s", dir)
	printInstanceURL(res.Port)
	return nil
}

func findOnlinePort(ctx context.Context, c *client.Client, dir string) (int, bool) {
	online, err := c.Online(ctx)
	if err != nil {
		return 0, false
	}
	for _, inst := range online {
		if inst.CWD == dir {
			return inst.Port, true
		}
	}
	return 0, false
}

func printInstanceURL(port int) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Print("    ▶ ")
	fmt.Printf("Port:  %d\n", port)
	green.Print("    ▶ ")
	fmt.Print("Open:  ")
	cyan.Println(webURL(port))
}
