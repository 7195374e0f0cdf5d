package domain

// ProjectState is the lifecycle state of a managed project's agent subprocess.
type ProjectState string

const (
	// ProjectStopped means no subprocess is running for the project.
	ProjectStopped ProjectState = "stopped"
	// ProjectStarting means the subprocess was spawned but is not yet serving.
	ProjectStarting ProjectState = "starting"
	// ProjectReady means the subprocess answered its health check.
	ProjectReady ProjectState = "ready"
	// ProjectCrashed means the subprocess exited without being asked to stop.
	ProjectCrashed ProjectState = "crashed"
)

// Project is one registered project directory managed by the daemon.
type Project struct {
	Name  string       `json:"name"`
	Dir   string       `json:"dir"`
	Port  int          `json:"port"`
	State ProjectState `json:"state"`
}
