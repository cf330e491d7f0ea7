// Package config loads the engine configuration.
//
// Configuration comes from an optional YAML file plus PLEDGELEDGER_*
// environment overrides. Secrets (GEMINI_API_KEY, REPORTING_SALT) are
// read from the environment ONLY and never appear in the config file or
// any data row.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"pledgeledger/pkg/money"
)

// Hostel intimation modes.
const (
	ModeIndividual = "individual"
	ModeBatched    = "batched"
	ModeBoth       = "both"
)

// ChapterOther is the mandatory fallback key in ChapterLeads.
const ChapterOther = "Other"

// Config is the full engine configuration.
type Config struct {
	// Subscription cadence.
	ReminderDays         []int `mapstructure:"reminderDays"`
	MaxReminders         int   `mapstructure:"maxReminders"`
	OverdueThresholdDays int   `mapstructure:"overdueThresholdDays"`
	LapsedThresholdDays  int   `mapstructure:"lapsedThresholdDays"`

	// Allocation behavior.
	HostelIntimationMode string `mapstructure:"hostelIntimationMode"`
	BatchIntimationDay   int    `mapstructure:"batchIntimationDay"`
	AllowStudentChange   bool   `mapstructure:"allowStudentChange"`

	// PledgeAmounts maps duration codes to committed amounts in minor
	// units. Missing codes fall back to amount parsing.
	PledgeAmounts map[string]money.Amount `mapstructure:"pledgeAmounts"`

	// ChapterLeads routes CC recipients per chapter; "Other" is the
	// required fallback for unrecognized chapters.
	ChapterLeads map[string][]string `mapstructure:"chapterLeads"`
	AlwaysCC     []string            `mapstructure:"alwaysCC"`

	// Addresses.
	HostelEmail     string   `mapstructure:"hostelEmail"`
	AdminEmail      string   `mapstructure:"adminEmail"`
	InternalDomains []string `mapstructure:"internalDomains"`

	// Oracle.
	GeminiModel string `mapstructure:"geminiModel"`

	// Display timezone (IANA name); stored values stay UTC.
	DisplayTimezone string `mapstructure:"displayTimezone"`

	// Storage.
	DataDir     string `mapstructure:"dataDir"`
	ReceiptsDir string `mapstructure:"receiptsDir"`

	// Read API.
	ListenAddr string   `mapstructure:"listenAddr"`
	APIKeys    []string `mapstructure:"apiKeys"`
}

// Secrets are environment-only values.
type Secrets struct {
	// GeminiAPIKey authenticates oracle calls. SENSITIVE: never log.
	GeminiAPIKey string
	// ReportingSalt keys the reporting projection's donor hashing.
	// SENSITIVE: never log.
	ReportingSalt string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ReminderDays:         []int{0, 7},
		MaxReminders:         2,
		OverdueThresholdDays: 14,
		LapsedThresholdDays:  30,
		HostelIntimationMode: ModeIndividual,
		BatchIntimationDay:   10,
		AllowStudentChange:   false,
		PledgeAmounts:        money.DefaultDurationAmounts,
		ChapterLeads:         map[string][]string{ChapterOther: nil},
		GeminiModel:          "gemini-2.0-flash",
		DisplayTimezone:      "UTC",
		DataDir:              "data",
		ReceiptsDir:          "data/receipts",
		ListenAddr:           ":8080",
	}
}

// Load reads configuration from path (empty means defaults only) with
// PLEDGELEDGER_* environment overrides, validates, and returns it.
func Load(path string) (Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("reminderDays", def.ReminderDays)
	v.SetDefault("maxReminders", def.MaxReminders)
	v.SetDefault("overdueThresholdDays", def.OverdueThresholdDays)
	v.SetDefault("lapsedThresholdDays", def.LapsedThresholdDays)
	v.SetDefault("hostelIntimationMode", def.HostelIntimationMode)
	v.SetDefault("batchIntimationDay", def.BatchIntimationDay)
	v.SetDefault("allowStudentChange", def.AllowStudentChange)
	v.SetDefault("pledgeAmounts", def.PledgeAmounts)
	v.SetDefault("chapterLeads", def.ChapterLeads)
	v.SetDefault("geminiModel", def.GeminiModel)
	v.SetDefault("displayTimezone", def.DisplayTimezone)
	v.SetDefault("dataDir", def.DataDir)
	v.SetDefault("receiptsDir", def.ReceiptsDir)
	v.SetDefault("listenAddr", def.ListenAddr)

	v.SetEnvPrefix("PLEDGELEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadSecrets reads the environment-only secrets.
func LoadSecrets() Secrets {
	return Secrets{
		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		ReportingSalt: os.Getenv("REPORTING_SALT"),
	}
}

// Validate checks the enumerated constraints.
func (c Config) Validate() error {
	switch c.HostelIntimationMode {
	case ModeIndividual, ModeBatched, ModeBoth:
	default:
		return fmt.Errorf("hostelIntimationMode %q: want individual, batched or both", c.HostelIntimationMode)
	}
	if c.BatchIntimationDay < 1 || c.BatchIntimationDay > 28 {
		return fmt.Errorf("batchIntimationDay %d: want 1..28", c.BatchIntimationDay)
	}
	if c.MaxReminders < 0 {
		return fmt.Errorf("maxReminders %d: want >= 0", c.MaxReminders)
	}
	if _, ok := c.ChapterLeads[ChapterOther]; !ok {
		return fmt.Errorf("chapterLeads: missing required %q fallback", ChapterOther)
	}
	return nil
}

// LeadsFor returns the CC list for a chapter, falling back to "Other".
func (c Config) LeadsFor(chapter string) []string {
	if leads, ok := c.ChapterLeads[chapter]; ok && len(leads) > 0 {
		return leads
	}
	return c.ChapterLeads[ChapterOther]
}

// CCFor returns the full CC list for donor mail about a chapter: the
// chapter leads plus the always-CC addresses, deduplicated in order.
func (c Config) CCFor(chapter string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, addr := range append(append([]string{}, c.LeadsFor(chapter)...), c.AlwaysCC...) {
		a := strings.TrimSpace(strings.ToLower(addr))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, addr)
	}
	return out
}
