// Package setup provides the interactive configuration wizard.
package setup

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/tradesim/config"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// RunTUI launches the terminal configuration wizard and writes the result
// to config.gen.yaml.
func RunTUI() error {
	var (
		initialCashStr string
		policy         string
		backend        string
		maxPerSideStr  string
		smallPosStr    string
		startPriceStr  string
		confirm        bool
	)

	// defaults
	initialCashStr = "10000"
	policy = "strict"
	backend = "wal"
	maxPerSideStr = "1"
	smallPosStr = "0"
	startPriceStr = "50000"

	// step 1: welcome
	fmt.Print("\033[H\033[2J") // Clear screen
	fmt.Println(headerStyle.Render("TRADESIM CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Let's set up your simulated ledger.\n"))

	// accounting
	fmt.Println(stepStyle.Render("STEP 1: ACCOUNTING"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Initial Cash").
				Description("Quote-currency starting balance (e.g. 10000)").
				Value(&initialCashStr).
				Validate(validatePositiveDecimal),
			huh.NewSelect[string]().
				Title("Accounting Policy").
				Options(
					huh.NewOption("Strict (reject trades that overdraw cash)", "strict"),
					huh.NewOption("Relaxed (allow negative cash, simulation only)", "relaxed"),
				).
				Value(&policy),
		),
	).Run()
	if err != nil {
		return err
	}

	// storage
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("TRADESIM CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 2: STORAGE"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Trade Log Backend").
				Options(
					huh.NewOption("Write-ahead log (single process)", "wal"),
					huh.NewOption("SQLite (store-level duplicate protection)", "sqlite"),
				).
				Value(&backend),
		),
	).Run()
	if err != nil {
		return err
	}

	// position limits
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("TRADESIM CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 3: POSITION LIMITS"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Max Positions Per Side").
				Description("Concurrently open positions per side (usually 1)").
				Value(&maxPerSideStr),
			huh.NewInput().
				Title("Small Position Threshold").
				Description("Auto-close stuck positions below this notional, 0 disables").
				Value(&smallPosStr),
		),
	).Run()
	if err != nil {
		return err
	}

	// market simulation
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("TRADESIM CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 4: MARKET"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Start Price").
				Description("Seed price for the simulated market").
				Value(&startPriceStr).
				Validate(validatePositiveDecimal),
		),
	).Run()
	if err != nil {
		return err
	}

	// confirmation
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("TRADESIM CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))

	summary := fmt.Sprintf(
		"Initial Cash: %s\nPolicy: %s\nBackend: %s\nMax Per Side: %s\nStart Price: %s\n",
		initialCashStr, policy, backend, maxPerSideStr, startPriceStr,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}

	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	maxPerSide := 1
	if _, err := fmt.Sscanf(maxPerSideStr, "%d", &maxPerSide); err != nil || maxPerSide < 1 {
		maxPerSide = 1
	}

	cfgTmp := config.ConfigTmp{
		InitialCash:            initialCashStr,
		AccountingPolicy:       policy,
		LedgerBackend:          backend,
		MaxPositionsPerSide:    maxPerSide,
		SmallPositionThreshold: smallPosStr,
		StartPrice:             startPriceStr,
	}

	data, err := yaml.Marshal(cfgTmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}

	filename := "config.gen.yaml"
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting engine...", filename)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return nil
}

func validatePositiveDecimal(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be greater than zero")
	}
	return nil
}
