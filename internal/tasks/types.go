package tasks

// Task type constants
const (
	TypeImageBuild = "image_build"
)

// Task queue names
const (
	QueueBuilds = "builds"
)

// ImageBuildPayload represents the payload for an image build task
type ImageBuildPayload struct {
	BuildID     string `json:"build_id"`
	SourceType  string `json:"source_type"`            // directory or git
	ContextPath string `json:"context_path,omitempty"` // directory source
	RepoURL     string `json:"repo_url,omitempty"`     // git source
	Branch      string `json:"branch,omitempty"`
	BuildFile   string `json:"build_file"` // path of the directive file inside the context
}
