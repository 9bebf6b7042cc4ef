package driver

type ProjectAction string

const (
	ProjectActionStart  ProjectAction = "START"
	ProjectActionStatus ProjectAction = "STATUS"
)

// ProjectRequest is the inbound control message creating or querying a
// project.
type ProjectRequest struct {
	ID               string        `json:"id"`
	Source           S3Source      `json:"source"`
	StartFrame       int           `json:"startFrame"`
	EndFrame         int           `json:"endFrame"`
	FramesPerMachine int           `json:"framesPerMachine"`
	Software         string        `json:"software"`
	PublicIP         string        `json:"publicIP"`
	Action           ProjectAction `json:"action"`
}

// ProjectResponse is the synchronous status view of a project.
type ProjectResponse struct {
	ID         string     `json:"id"`
	Source     S3Source   `json:"source"`
	StartFrame int        `json:"startFrame"`
	EndFrame   int        `json:"endFrame"`
	Software   string     `json:"software"`
	OutputURI  *S3Source  `json:"outputURI,omitempty"`
	IsComplete bool       `json:"isComplete"`
	Log        ProjectLog `json:"log"`
}

type ProjectLog struct {
	Jobs []JobLog `json:"jobs"`
}

type JobLog struct {
	ID             string    `json:"id"`
	StartFrame     int       `json:"startFrame"`
	EndFrame       int       `json:"endFrame"`
	InstanceInfo   *Instance `json:"instanceInfo,omitempty"`
	IsActive       bool      `json:"isActive"`
	FramesRendered int       `json:"framesRendered"`
}
