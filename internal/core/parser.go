package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxJobs     = 2
	DefaultListen      = ":8080"
	DefaultProjectRoot = "projects"
	DefaultLogDir      = "logs"
	DefaultHistoryDB   = "autobuild.db"
	DefaultLedgerPath  = "ledger.jsonl"
	DefaultVCS         = "git"
)

// Config is the daemon configuration file.
type Config struct {
	ProjectRoot    string `yaml:"project_root" toml:"project_root"`
	MaxJobs        int    `yaml:"max_jobs" toml:"max_jobs"`
	Listen         string `yaml:"listen" toml:"listen"`
	AgentURL       string `yaml:"agent_url" toml:"agent_url"`
	AgentID        string `yaml:"agent_id" toml:"agent_id"`
	Shell          string `yaml:"shell" toml:"shell"`
	CommandTimeout string `yaml:"command_timeout" toml:"command_timeout"`
	HistoryDB      string `yaml:"history_db" toml:"history_db"`
	LedgerPath     string `yaml:"ledger_path" toml:"ledger_path"`
	LogDir         string `yaml:"log_dir" toml:"log_dir"`
	SigningKeyDir  string `yaml:"signing_key_dir" toml:"signing_key_dir"`
	DeferBusy      *bool  `yaml:"defer_busy" toml:"defer_busy"`
	// DefaultCleanRepo applies to projects that leave keep_clean_repo unset.
	DefaultCleanRepo *bool                 `yaml:"default_clean_repo" toml:"default_clean_repo"`
	Shutdown         string                `yaml:"shutdown" toml:"shutdown"`
	ShutdownTimeout  string                `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	Commands         map[string][]string   `yaml:"commands" toml:"commands"`
	Defaults         PhaseConfig           `yaml:"defaults" toml:"defaults"`
	VersionControl   map[string]ToolConfig `yaml:"version_control" toml:"version_control"`
	Projects         []ProjectConfig       `yaml:"projects" toml:"projects"`
}

// PhaseConfig lists command names per pipeline phase.
type PhaseConfig struct {
	PreBuild  []string `yaml:"pre_build" toml:"pre_build"`
	Build     []string `yaml:"build" toml:"build"`
	PostBuild []string `yaml:"post_build" toml:"post_build"`
}

// ToolConfig names a version-control executable and extra switches.
type ToolConfig struct {
	Path     string   `yaml:"path" toml:"path"`
	Switches []string `yaml:"switches" toml:"switches"`
}

// ProjectConfig is one project entry of the configuration file.
type ProjectConfig struct {
	Name                  string           `yaml:"name" toml:"name"`
	Enabled               *bool            `yaml:"enabled" toml:"enabled"`
	RepoURL               string           `yaml:"repo_url" toml:"repo_url"`
	VersionControl        string           `yaml:"version_control" toml:"version_control"`
	WatchRefs             []string         `yaml:"watch_refs" toml:"watch_refs"`
	WorkDir               string           `yaml:"work_dir" toml:"work_dir"`
	PollInterval          string           `yaml:"poll_interval" toml:"poll_interval"`
	AllowConcurrentBuilds bool             `yaml:"allow_concurrent_builds" toml:"allow_concurrent_builds"`
	KeepCleanRepo         *bool            `yaml:"keep_clean_repo" toml:"keep_clean_repo"`
	Checkouts             []CheckoutConfig `yaml:"checkouts" toml:"checkouts"`
	PhaseConfig           `yaml:",inline"`
	Commands              map[string][]string `yaml:"commands" toml:"commands"`
}

// CheckoutConfig names one ref fetched by the checkout command.
type CheckoutConfig struct {
	Ref string `yaml:"ref" toml:"ref"`
}

// ParseConfig decodes configuration data. format is "yaml" or "toml".
func ParseConfig(data []byte, format string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(format) {
	case "toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("decode toml config: %w", err)
		}
	case "", "yaml", "yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	applyEnvOverrides(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads a configuration file; .toml files are decoded as TOML,
// everything else as YAML. Environment variables override file values:
//   - AUTOBUILD_MAX_JOBS     overrides max_jobs
//   - AUTOBUILD_LISTEN       overrides listen
//   - AUTOBUILD_PROJECT_ROOT overrides project_root
//   - AUTOBUILD_AGENT_URL    overrides agent_url
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	cfg, err := ParseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTOBUILD_MAX_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxJobs = n
		}
	}
	if v := os.Getenv("AUTOBUILD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("AUTOBUILD_PROJECT_ROOT"); v != "" {
		cfg.ProjectRoot = v
	}
	if v := os.Getenv("AUTOBUILD_AGENT_URL"); v != "" {
		cfg.AgentURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.MaxJobs <= 0 {
		c.MaxJobs = DefaultMaxJobs
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ProjectRoot == "" {
		c.ProjectRoot = DefaultProjectRoot
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.HistoryDB == "" {
		c.HistoryDB = DefaultHistoryDB
	}
	if c.LedgerPath == "" {
		c.LedgerPath = DefaultLedgerPath
	}
	if c.AgentID == "" {
		c.AgentID = "local"
	}
	if c.DeferBusy == nil {
		deferBusy := true
		c.DeferBusy = &deferBusy
	}
	if c.DefaultCleanRepo == nil {
		keepClean := true
		c.DefaultCleanRepo = &keepClean
	}
}

// Validate checks names and durations.
func (c *Config) Validate() error {
	if _, err := parseOptionalDuration(c.CommandTimeout); err != nil {
		return fmt.Errorf("command_timeout: %w", err)
	}
	if _, err := parseOptionalDuration(c.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown_timeout: %w", err)
	}
	if _, err := ParseShutdownMode(c.Shutdown); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Projects))
	for i, p := range c.Projects {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("projects[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateProject, p.Name)
		}
		seen[p.Name] = true
		if _, err := parseOptionalDuration(p.PollInterval); err != nil {
			return fmt.Errorf("project %s: poll_interval: %w", p.Name, err)
		}
		for j, co := range p.Checkouts {
			if strings.TrimSpace(co.Ref) == "" {
				return fmt.Errorf("project %s: checkouts[%d]: ref is required", p.Name, j)
			}
		}
	}
	return nil
}

// CommandTimeoutDuration returns command_timeout, zero when unset.
func (c *Config) CommandTimeoutDuration() time.Duration {
	d, _ := parseOptionalDuration(c.CommandTimeout)
	return d
}

// ShutdownTimeoutDuration returns shutdown_timeout, zero when unset.
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	d, _ := parseOptionalDuration(c.ShutdownTimeout)
	return d
}

// ShutdownMode returns the configured shutdown behaviour.
func (c *Config) ShutdownMode() ShutdownMode {
	mode, _ := ParseShutdownMode(c.Shutdown)
	return mode
}

// GlobalCommands builds the global command table.
func (c *Config) GlobalCommands() CommandTable {
	table := make(CommandTable, len(c.Commands))
	for name, lines := range c.Commands {
		table.Set(name, lines...)
	}
	return table
}

// BuildRegistry creates the project registry described by the configuration.
func (c *Config) BuildRegistry() (*Registry, error) {
	registry := NewRegistry(c.GlobalCommands())
	for _, pc := range c.Projects {
		p, err := c.newProject(pc)
		if err != nil {
			return nil, err
		}
		if err := registry.AddProject(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (c *Config) newProject(pc ProjectConfig) (*Project, error) {
	p := NewProject(pc.Name)
	if pc.Enabled != nil {
		p.Enabled = *pc.Enabled
	}
	p.RepoURL = pc.RepoURL
	p.VersionControl = pc.VersionControl
	if p.VersionControl == "" {
		p.VersionControl = DefaultVCS
	}
	p.WatchRefs = pc.WatchRefs
	p.WorkDir = pc.WorkDir
	p.AllowConcurrentBuilds = pc.AllowConcurrentBuilds
	p.KeepCleanRepo = c.DefaultCleanRepo == nil || *c.DefaultCleanRepo
	if pc.KeepCleanRepo != nil {
		p.KeepCleanRepo = *pc.KeepCleanRepo
	}
	for _, co := range pc.Checkouts {
		p.Checkouts = append(p.Checkouts, qualifyRef(co.Ref))
	}

	interval, err := parseOptionalDuration(pc.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("project %s: poll_interval: %w", pc.Name, err)
	}
	p.PollInterval = interval

	p.PreBuild = orDefault(pc.PreBuild, c.Defaults.PreBuild)
	p.Build = orDefault(pc.Build, c.Defaults.Build)
	p.PostBuild = orDefault(pc.PostBuild, c.Defaults.PostBuild)

	for name, lines := range pc.Commands {
		p.Commands.Set(name, lines...)
	}
	if _, ok := p.Commands["checkout"]; !ok && p.RepoURL != "" {
		p.Commands.Set("checkout", CheckoutScript(CheckoutOptions{
			Tool:      c.tool(p.VersionControl),
			RepoURL:   p.RepoURL,
			Refs:      p.Checkouts,
			KeepClean: p.KeepCleanRepo,
		})...)
		if p.KeepCleanRepo && p.WorkDir == "" {
			p.WorkDir = filepath.Join(c.ProjectRoot, p.Name(), WorkingDirName)
		}
	}
	return p, nil
}

func (c *Config) tool(name string) ToolConfig {
	if t, ok := c.VersionControl[name]; ok {
		if t.Path == "" {
			t.Path = name
		}
		return t
	}
	return ToolConfig{Path: name}
}

// Directory names of the clean-repo layout under <project_root>/<project>.
const (
	CleanDirName   = "Clean"
	WorkingDirName = "Working"
)

// CheckoutOptions describes the synthesized checkout command.
type CheckoutOptions struct {
	Tool    ToolConfig
	RepoURL string
	// Refs are fully qualified refs. The first is checked out; HEAD of
	// the remote when empty.
	Refs []string
	// KeepClean fetches into a bare clone at ../Clean and updates the
	// work dir from there instead of from RepoURL.
	KeepClean bool
}

// CheckoutScript returns a script that brings the work dir to the first
// checkout ref. The work dir is initialised on first use.
func CheckoutScript(opts CheckoutOptions) []string {
	bin := opts.Tool.Path
	if bin == "" {
		bin = DefaultVCS
	}
	if len(opts.Tool.Switches) > 0 {
		bin += " " + strings.Join(opts.Tool.Switches, " ")
	}
	url := shellQuote(opts.RepoURL)
	target := "HEAD"
	if len(opts.Refs) > 0 {
		target = opts.Refs[0]
	}

	var lines []string
	source := url
	if opts.KeepClean {
		clean := "../" + CleanDirName
		source = clean
		lines = append(lines,
			"if [ ! -f "+clean+"/HEAD ]; then",
			"  "+bin+" clone --bare "+url+" "+clean,
			"fi",
		)
		if len(opts.Refs) == 0 {
			lines = append(lines, bin+" -C "+clean+" fetch --prune "+url+" '+refs/heads/*:refs/heads/*'")
		}
		for _, ref := range opts.Refs {
			lines = append(lines, bin+" -C "+clean+" fetch "+url+" "+shellQuote("+"+ref+":"+ref))
		}
	}
	lines = append(lines,
		"if [ ! -d .git ]; then",
		"  "+bin+" init -q .",
		"fi",
	)
	fetch := bin + " fetch " + source + " " + shellQuote(target)
	if !opts.KeepClean && len(opts.Refs) > 1 {
		for _, ref := range opts.Refs[1:] {
			fetch += " " + shellQuote(ref)
		}
	}
	return append(lines, fetch, bin+" checkout --force --detach FETCH_HEAD")
}

// qualifyRef expands a short branch name to refs/heads/<name>.
func qualifyRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "refs/") {
		return ref
	}
	return "refs/heads/" + ref
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func orDefault(v, def []string) []string {
	if v != nil {
		return v
	}
	return append([]string(nil), def...)
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
