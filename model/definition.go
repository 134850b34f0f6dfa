package model

// WorkflowDefinition is the root structure of a workflow definition file. It
// declares an ordered list of review stages, each gated by role.
type WorkflowDefinition struct {
	ID          string   `yaml:"id"          json:"id"`
	Name        string   `yaml:"name"        json:"name"`
	Version     string   `yaml:"version"     json:"version"`
	Description string   `yaml:"description" json:"description,omitempty"`
	StartRoles  []string `yaml:"start_roles" json:"start_roles,omitempty"`
	ResetRoles  []string `yaml:"reset_roles" json:"reset_roles,omitempty"`
	// FeedbackRoles may submit, decide and merge feedback at any stage of
	// an active instance, in addition to the current stage's roles.
	FeedbackRoles []string `yaml:"feedback_roles" json:"feedback_roles,omitempty"`
	Stages        []Stage  `yaml:"stages"         json:"stages"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// Stage is one ordered step of a workflow definition.
type Stage struct {
	ID       string   `yaml:"id"       json:"id"`
	Name     string   `yaml:"name"     json:"name"`
	Order    int      `yaml:"order"    json:"order"`
	Roles    []string `yaml:"roles"    json:"roles"`
	Starting bool     `yaml:"starting" json:"starting,omitempty"`
	Terminal bool     `yaml:"terminal" json:"terminal,omitempty"`

	// DistributedReview stages hand the document out to reviewers and may
	// only be advanced once every assigned review task is completed.
	DistributedReview bool `yaml:"distributed_review" json:"distributed_review,omitempty"`

	// Reviewers are assigned automatically whenever the stage is entered.
	Reviewers []string `yaml:"reviewers" json:"reviewers,omitempty"`

	// Actions, when set, restricts the action labels accepted on advance.
	Actions []string `yaml:"actions" json:"actions,omitempty"`
}

// AcceptsAction reports whether the stage accepts the given action label.
// Stages without an action list accept any label.
func (s Stage) AcceptsAction(action string) bool {
	if len(s.Actions) == 0 {
		return true
	}
	for _, a := range s.Actions {
		if a == action {
			return true
		}
	}
	return false
}
