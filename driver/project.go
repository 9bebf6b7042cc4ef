package driver

import (
	"time"
)

// S3Source is an object store address. A key ending in "/" designates a
// prefix rather than a single object.
type S3Source struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (s S3Source) String() string {
	return s.Bucket + "/" + s.Key
}

// MessageQ holds the connection coordinates of the worker→driver broker
// channel. It is fixed by the first project start; see State.SetMessageQ.
type MessageQ struct {
	Host      string `json:"host"`
	QueueName string `json:"queueName"`
}

// Project is a user render request spanning a contiguous frame range.
// Immutable after creation, except for OutputURI which is attached once
// the output prefix has been created.
type Project struct {
	ID               string    `json:"id"`
	Source           S3Source  `json:"source"`
	StartFrame       int       `json:"startFrame"`
	EndFrame         int       `json:"endFrame"`
	FramesPerMachine int       `json:"framesPerMachine"`
	Software         string    `json:"software"`
	OutputURI        *S3Source `json:"outputURI,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Frames returns the total number of frames in the project range.
func (p *Project) Frames() int {
	return p.EndFrame - p.StartFrame + 1
}
