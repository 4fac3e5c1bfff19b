package models

import "time"

// Capability tags one operation an upstream can serve. The set is closed:
// spec.md §3 enumerates exactly these eight.
type Capability string

const (
	CapabilityChatCompletion Capability = "chat_completion"
	CapabilityTextCompletion Capability = "text_completion"
	CapabilityEmbeddings     Capability = "embeddings"
	CapabilityStreaming      Capability = "streaming"
	CapabilityModelDiscovery Capability = "model_discovery"
	CapabilityImageGen       Capability = "image_generation"
	CapabilityVideoGen       Capability = "video_generation"
	CapabilityToolCalling    Capability = "tool_calling"
)

// Operation is the request kind the Router dispatches on; it maps 1:1 to
// an HTTP route (spec.md §6) and to the Capability a candidate must have.
type Operation string

const (
	OperationChatCompletion Operation = "chat_completion"
	OperationTextCompletion Operation = "text_completion"
	OperationEmbeddings     Operation = "embeddings"
	OperationImageGen       Operation = "image_generation"
)

// CapabilityFor maps an inbound operation to the capability a candidate
// upstream must advertise to be eligible.
func CapabilityFor(op Operation) Capability {
	switch op {
	case OperationChatCompletion:
		return CapabilityChatCompletion
	case OperationTextCompletion:
		return CapabilityTextCompletion
	case OperationEmbeddings:
		return CapabilityEmbeddings
	case OperationImageGen:
		return CapabilityImageGen
	default:
		return CapabilityChatCompletion
	}
}

// UpstreamKind tags the vendor wire-shape a config targets. The set mirrors
// the provider adapters in original_source/src/providers: the spec treats
// this as "a closed set of known vendors" without dictating membership, so
// it's kept open-ended enough to add a vendor without touching the core
// pipeline, but a fixed set of well-known values ships built in.
type UpstreamKind string

const (
	KindOpenAICompatible UpstreamKind = "openai_compatible"
	KindAzureOpenAI      UpstreamKind = "azure_openai"
	KindAnthropic        UpstreamKind = "anthropic"
	KindCohere           UpstreamKind = "cohere"
	KindGeneric          UpstreamKind = "generic"
)

// UpstreamConfig is immutable after load (spec.md §3).
type UpstreamConfig struct {
	Name             string
	Kind             UpstreamKind
	BaseURL          string
	CredentialSource string
	Models           map[string]struct{}
	Priority         int
	Enabled          bool
	Forced           bool
	TimeoutMS        int
	MaxRetries       int
	CapabilitySet    map[Capability]struct{}
}

// HasModel reports whether this upstream serves the given model.
func (c *UpstreamConfig) HasModel(model string) bool {
	_, ok := c.Models[model]
	return ok
}

// HasCapability reports whether this upstream advertises the capability.
func (c *UpstreamConfig) HasCapability(cap Capability) bool {
	_, ok := c.CapabilitySet[cap]
	return ok
}

// Status is UpstreamRuntime's health classification (spec.md §3), matching
// original_source's ProviderStatus enum exactly.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusDisabled Status = "disabled"
)

// UpstreamRuntime is owned exclusively by the Registry. Mutated only by
// record_outcome and the health loop (spec.md §4.4 invariant ii); never
// written from outside the registry package.
type UpstreamRuntime struct {
	Config              *UpstreamConfig
	Status              Status
	ConsecutiveErrors   int
	LastErrorMessage    string
	LastHealthCheckAt   time.Time
}

// Snapshot is an immutable copy safe to hand to a caller outside the
// Registry's lock (spec.md §4.4 invariant iii).
type Snapshot struct {
	Name              string
	Kind              UpstreamKind
	BaseURL           string
	CredentialSource  string
	Priority          int
	TimeoutMS         int
	MaxRetries        int
	Models            map[string]struct{}
	CapabilitySet     map[Capability]struct{}
	Status            Status
	ConsecutiveErrors int
}
