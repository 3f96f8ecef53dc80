package domain

// Challenge is an immutable challenge definition loaded from configuration.
type Challenge struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Category      string            `json:"category"`
	Difficulty    string            `json:"difficulty"`
	Description   string            `json:"description"`
	Points        int               `json:"points"`
	Tags          []string          `json:"tags"`
	Imported      bool              `json:"imported,omitempty"`
	ContainerSpec ContainerSpec     `json:"container_spec"`
	Metadata      ChallengeMetadata `json:"metadata"`
}

// ContainerSpec describes how a challenge container is run.
type ContainerSpec struct {
	Image           string            `json:"image"`
	BuildContext    string            `json:"build_context,omitempty"`
	Ports           []string          `json:"ports"`
	SecurityProfile string            `json:"security_profile"`
	ResourceLimits  ResourceLimits    `json:"resource_limits"`
	Environment     map[string]string `json:"environment"`
	// ReadWriteRoot lets images that need local writable state opt out of
	// the read-only root filesystem the security profile applies.
	ReadWriteRoot bool `json:"read_write_root,omitempty"`
}

type ResourceLimits struct {
	Memory    string `json:"memory"`
	CPUs      string `json:"cpus"`
	PidsLimit int64  `json:"pids_limit"`
}

type ChallengeMetadata struct {
	Hints              []string `json:"hints"`
	Author             string   `json:"author"`
	Version            string   `json:"version"`
	EstimatedTime      string   `json:"estimated_time"`
	LearningObjectives []string `json:"learning_objectives"`
}
