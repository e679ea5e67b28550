package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

var (
	serviceStart     bool
	serviceStop      bool
	serviceInstall   bool
	serviceUninstall bool
	serviceStatus    bool
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the bot daemon as a system service",
	Long: `Install, uninstall, start, stop, or check the status of the bot
daemon as a system service.

On Windows this manages a Windows Service; on Linux/macOS it manages a
systemd/launchd service.`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.Flags().BoolVar(&serviceStart, "start", false, "Start the service")
	serviceCmd.Flags().BoolVar(&serviceStop, "stop", false, "Stop the service")
	serviceCmd.Flags().BoolVar(&serviceInstall, "install", false, "Install as a system service")
	serviceCmd.Flags().BoolVar(&serviceUninstall, "uninstall", false, "Uninstall the system service")
	serviceCmd.Flags().BoolVar(&serviceStatus, "status", false, "Check service status")
}

// program implements service.Interface by re-executing the binary in
// serve mode.
type program struct{}

func (p *program) Start(s service.Service) error {
	go p.run()

	return nil
}

func (p *program) run() {
	exe, err := os.Executable()
	if err != nil {
		_ = service.ConsoleLogger.Errorf("failed to resolve executable: %v", err)

		return
	}

	cmd := exec.Command(exe, "serve")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		_ = service.ConsoleLogger.Errorf("daemon exited with error: %v", err)
	}
}

func (p *program) Stop(s service.Service) error {
	return nil
}

func runService(cmd *cobra.Command, args []string) error {
	flagCount := 0

	for _, set := range []bool{serviceStart, serviceStop, serviceInstall, serviceUninstall, serviceStatus} {
		if set {
			flagCount++
		}
	}

	if flagCount == 0 {
		return fmt.Errorf("please specify one of: --start, --stop, --install, --uninstall, --status")
	}

	if flagCount > 1 {
		return fmt.Errorf("please specify only one operation at a time")
	}

	svcConfig := &service.Config{
		Name:        "Greptilebot",
		DisplayName: "Greptilebot Daemon",
		Description: "Code intelligence bot daemon: indexing reconciliation and error escalation",
		Arguments:   []string{"serve"},
	}

	s, err := service.New(&program{}, svcConfig)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	switch {
	case serviceInstall:
		if err := s.Install(); err != nil {
			return fmt.Errorf("failed to install service: %w", err)
		}

		fmt.Println("service installed")
	case serviceUninstall:
		if err := s.Uninstall(); err != nil {
			return fmt.Errorf("failed to uninstall service: %w", err)
		}

		fmt.Println("service uninstalled")
	case serviceStart:
		if err := s.Start(); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}

		fmt.Println("service started")
	case serviceStop:
		if err := s.Stop(); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}

		fmt.Println("service stopped")
	case serviceStatus:
		status, err := s.Status()
		if err != nil {
			return fmt.Errorf("failed to get service status: %w", err)
		}

		switch status {
		case service.StatusRunning:
			fmt.Println("service status: running")
		case service.StatusStopped:
			fmt.Println("service status: stopped")
		default:
			fmt.Println("service status: unknown")
		}
	}

	return nil
}
