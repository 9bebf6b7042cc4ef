package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/drender/drender/driver"
)

var statusCmd = &cobra.Command{
	Use:   "status <project-id>",
	Short: "Show the status of a project",
	Args:  cobra.ExactArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		var resp driver.ProjectResponse
		if err := getJSON("/projects/"+args[0], &resp); err != nil {
			return err
		}
		if resp.ID == "" {
			return fmt.Errorf("unknown project '%s'", args[0])
		}

		printStatus(&resp)
		return nil
	},
}

func printStatus(resp *driver.ProjectResponse) {
	state := color.YellowString("rendering")
	if resp.IsComplete {
		state = color.GreenString("complete")
	}
	fmt.Printf("Project:  %s (%s)\n", color.New(color.Bold).Sprint(resp.ID), state)
	fmt.Printf("Frames:   [%d..%d] with %s\n", resp.StartFrame, resp.EndFrame, resp.Software)
	fmt.Printf("Source:   %s/%s\n", resp.Source.Bucket, resp.Source.Key)
	if resp.OutputURI != nil {
		fmt.Printf("Output:   %s/%s\n", resp.OutputURI.Bucket, resp.OutputURI.Key)
	}

	fmt.Printf("\n%-38s %-12s %-16s %-8s %s\n", "JOB", "FRAMES", "INSTANCE", "ACTIVE", "RENDERED")
	for _, job := range resp.Log.Jobs {
		instance := "-"
		if job.InstanceInfo != nil {
			instance = job.InstanceInfo.PublicIP
		}
		active := color.RedString("no")
		if job.IsActive {
			active = color.GreenString("yes")
		}
		total := job.EndFrame - job.StartFrame + 1
		fmt.Printf("%-38s %-12s %-16s %-8s %d/%d\n",
			shortID(job.ID),
			fmt.Sprintf("[%d..%d]", job.StartFrame, job.EndFrame),
			instance, active, job.FramesRendered, total)
	}
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 && len(id) == 36 {
		return id[:i]
	}
	return id
}

func init() {
	drenderCmd.AddCommand(statusCmd)
}
