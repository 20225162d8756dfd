package config

import "time"

// OrchestratorConfig configures the Loop Driver, Tool Execution Pipeline,
// Context Assembler and Stream Fabric as one layered YAML section.
// Pointer fields follow this package's PUT merge-vs-replace convention
// (see ToolExecutionConfig/ApprovalConfig): nil means "unset, inherit
// default", non-nil means an explicit override.
type OrchestratorConfig struct {
	// ToolsMaxLoops bounds the agentic loop per step. Nil inherits the
	// Loop Driver's built-in default (25).
	ToolsMaxLoops *int `yaml:"tools_max_loops"`

	// ToolToggles disables individual server tools without removing
	// their manifest/handler registration.
	ToolToggles map[string]bool `yaml:"tool_toggles"`

	ContextAssembler ContextAssemblerConfig `yaml:"context_assembler"`
	ToolPipeline     ToolPipelineConfig     `yaml:"tool_pipeline"`
	StreamFabric     StreamFabricConfig     `yaml:"stream_fabric"`
	StepStore        StepStoreConfig        `yaml:"step_store"`
	Approval         ApprovalConfig         `yaml:"approval"`
	DraftGC          DraftGCConfig          `yaml:"draft_gc"`
}

// DraftGCConfig tunes the scheduled sweep that deletes DRAFT
// conversation rows older than After.
type DraftGCConfig struct {
	After    time.Duration `yaml:"after"`
	Schedule string        `yaml:"schedule"`
}

// ApprovalConfig mirrors toolpipeline.ApprovalPolicy. An empty
// RequireApproval/Denylist runs every enabled tool unattended, matching
// toolpipeline.DefaultApprovalPolicy.
type ApprovalConfig struct {
	Allowlist       []string `yaml:"allowlist"`
	Denylist        []string `yaml:"denylist"`
	RequireApproval []string `yaml:"require_approval"`
}

// ContextAssemblerConfig mirrors contextassembler.Options.
type ContextAssemblerConfig struct {
	MemoryMaxMessages  int    `yaml:"memory_max_messages"`
	MaxChars           int    `yaml:"max_chars"`
	MaxToolResultChars int    `yaml:"max_tool_result_chars"`
	RenderMode         string `yaml:"render_mode"`
	SystemDirective    string `yaml:"system_directive"`

	// PruneIdleTTL/Summarize* mirror contextassembler.Options' optional
	// cache-preserving pruning and history-summarization knobs. Both
	// default to disabled.
	PruneIdleTTL           time.Duration `yaml:"prune_idle_ttl"`
	SummarizeAfterMessages int           `yaml:"summarize_after_messages"`
	SummaryKeepRecent      int           `yaml:"summary_keep_recent"`
}

// ToolPipelineConfig mirrors toolpipeline.Config.
type ToolPipelineConfig struct {
	Concurrency          int           `yaml:"concurrency"`
	DefaultTTL           time.Duration `yaml:"default_ttl"`
	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	DefaultMaxAttempts   int           `yaml:"default_max_attempts"`
	DefaultRetryBackoff  time.Duration `yaml:"default_retry_backoff"`
	DefaultMaxTTLCeiling time.Duration `yaml:"default_max_ttl_ceiling"`
	CacheTTL             time.Duration     `yaml:"cache_ttl"`
	CacheMaxSize         int               `yaml:"cache_max_size"`
	Guard                ResultGuardConfig `yaml:"guard"`

	// AsyncTools names server tools that execute off the main loop; see
	// toolpipeline.ToolSpec.Async.
	AsyncTools []string `yaml:"async_tools"`
}

// ResultGuardConfig mirrors toolpipeline.ResultGuard.
type ResultGuardConfig struct {
	MaxChars        int      `yaml:"max_chars"`
	Denylist        []string `yaml:"denylist"`
	SanitizeSecrets bool     `yaml:"sanitize_secrets"`
	RedactionText   string   `yaml:"redaction_text"`
}

// StreamFabricConfig mirrors streamhub.Options.
type StreamFabricConfig struct {
	BacklogSize    int           `yaml:"backlog_size"`
	HeartbeatEvery time.Duration `yaml:"heartbeat_every"`
	StepTTL        time.Duration `yaml:"step_ttl"`
	JanitorEvery   time.Duration `yaml:"janitor_every"`
	CompleteGrace  time.Duration `yaml:"complete_grace"`
}

// StepStoreConfig mirrors the stepstore package's TTL/janitor tuning.
type StepStoreConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	JanitorEvery time.Duration `yaml:"janitor_every"`
}

// DefaultOrchestratorConfig returns the Orchestrator section's defaults,
// used when a loaded YAML document omits it entirely.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ContextAssembler: ContextAssemblerConfig{
			MemoryMaxMessages:  60,
			MaxChars:           30000,
			MaxToolResultChars: 6000,
			RenderMode:         "CURRENT_TOOL_HISTORY_SUMMARY",
		},
		ToolPipeline: ToolPipelineConfig{
			Concurrency:          4,
			DefaultTTL:           10 * time.Minute,
			DefaultTimeout:       30 * time.Second,
			DefaultMaxAttempts:   1,
			DefaultMaxTTLCeiling: time.Hour,
			CacheTTL:             10 * time.Minute,
			CacheMaxSize:         1000,
		},
		StreamFabric: StreamFabricConfig{
			BacklogSize:    64,
			HeartbeatEvery: 20 * time.Second,
			StepTTL:        10 * time.Minute,
			JanitorEvery:   60 * time.Second,
			CompleteGrace:  30 * time.Second,
		},
		StepStore: StepStoreConfig{
			TTL:          10 * time.Minute,
			JanitorEvery: 60 * time.Second,
		},
		DraftGC: DraftGCConfig{
			After:    24 * time.Hour,
			Schedule: "@every 1h",
		},
	}
}
