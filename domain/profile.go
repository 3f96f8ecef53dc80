package domain

// SecurityProfile is a named bundle of container hardening directives,
// resolved by name at spawn time.
type SecurityProfile struct {
	CapDrop        []string              `json:"capDrop"`
	CapAdd         []string              `json:"capAdd"`
	User           string                `json:"user"`
	ReadOnlyRootfs bool                  `json:"readOnlyRootfs"`
	SecurityOpts   []string              `json:"securityOpts"`
	Tmpfs          map[string]string     `json:"tmpfs"`
	Ulimits        map[string]UlimitSpec `json:"ulimits"`
}

type UlimitSpec struct {
	Soft int64 `json:"soft"`
	Hard int64 `json:"hard"`
}

// DefaultSecurityProfile is the conservative fallback applied when a profile
// name cannot be resolved: deny-all capabilities, non-root user, read-only
// root and no privilege escalation.
func DefaultSecurityProfile() SecurityProfile {
	return SecurityProfile{
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{},
		User:           "1000:1000",
		ReadOnlyRootfs: true,
		SecurityOpts:   []string{"no-new-privileges:true"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=100m",
		},
	}
}
