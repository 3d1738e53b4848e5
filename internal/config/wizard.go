package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/manifoldco/promptui"
)

// RunWizard runs an interactive configuration wizard and saves the result
// to path.
func RunWizard(path string) (*Config, error) {
	fmt.Println("Welcome to fixflow! Let's configure your troubleshooting service.")
	fmt.Println()

	cfg := DefaultConfig()

	portPrompt := promptui.Prompt{
		Label:    "HTTP port",
		Default:  strconv.Itoa(cfg.Server.Port),
		Validate: validatePort,
	}
	portStr, err := portPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("port: %w", err)
	}
	cfg.Server.Port, _ = strconv.Atoi(portStr)

	dbPrompt := promptui.Prompt{
		Label:   "SQLite database path",
		Default: cfg.Database.Path,
	}
	if cfg.Database.Path, err = dbPrompt.Run(); err != nil {
		return nil, fmt.Errorf("database path: %w", err)
	}

	envPrompt := promptui.Select{
		Label: "Environment",
		Items: []string{"development", "production"},
	}
	if _, cfg.Logging.Environment, err = envPrompt.Run(); err != nil {
		return nil, fmt.Errorf("environment selection: %w", err)
	}
	cfg.Server.AllowAllOrigins = cfg.Logging.Environment == "development"

	abandonPrompt := promptui.Prompt{
		Label:    "Abandon incomplete sessions after",
		Default:  cfg.Sessions.AbandonAfter.String(),
		Validate: validateDuration,
	}
	abandonStr, err := abandonPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("abandon after: %w", err)
	}
	cfg.Sessions.AbandonAfter, _ = time.ParseDuration(abandonStr)

	rejectPrompt := promptui.Select{
		Label: "Answers to abandoned sessions",
		Items: []string{"accept (resume the session)", "reject"},
	}
	idx, _, err := rejectPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("abandoned policy: %w", err)
	}
	cfg.Sessions.RejectAbandoned = idx == 1

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nConfiguration saved to %s\n", path)
	return cfg, nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("not a duration: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	return nil
}
