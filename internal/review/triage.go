package review

// Sink is a potentially dangerous operation identified during triage.
type Sink struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"` // e.g. "sql", "exec", "template", "filesystem"
	Line        int    `json:"line"`
	Description string `json:"description,omitempty"`
}

// EntryPoint is a user-controlled input surface identified during triage.
type EntryPoint struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"` // e.g. "http_param", "form", "header", "file"
	Line        int    `json:"line"`
	Description string `json:"description,omitempty"`
}

// Flow is a coarse source-to-sink edge in the triage data-flow map.
type Flow struct {
	Source string `json:"source"`
	Sink   string `json:"sink"`
	Via    string `json:"via,omitempty"`
}

// TriageReport is the structured data-flow map produced by the triage
// stage. Downstream analyzers consult it to skip work when no relevant
// risk surface exists, and the reachability filter uses it as cross-finding
// context.
type TriageReport struct {
	EntryPoints    []EntryPoint `json:"entry_points"`
	Sinks          []Sink       `json:"sinks"`
	Flows          []Flow       `json:"flows"`
	UsesAuth       bool         `json:"uses_auth"`
	HandlesSecrets bool         `json:"handles_secrets"`
	Dependencies   []string     `json:"dependencies"`
	Notes          string       `json:"notes,omitempty"`
}

// HasSinks reports whether triage found any dangerous sinks.
func (t *TriageReport) HasSinks() bool {
	return t != nil && len(t.Sinks) > 0
}

// HasEntryPoints reports whether triage found any user input surfaces.
func (t *TriageReport) HasEntryPoints() bool {
	return t != nil && len(t.EntryPoints) > 0
}

// HasDependencies reports whether triage found third-party dependencies.
func (t *TriageReport) HasDependencies() bool {
	return t != nil && len(t.Dependencies) > 0
}
