package main

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/drender/drender/driver"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start rendering a project",

	RunE: func(cmd *cobra.Command, args []string) error {
		req := driver.ProjectRequest{
			ID: lo.Must(cmd.Flags().GetString("id")),
			Source: driver.S3Source{
				Bucket: lo.Must(cmd.Flags().GetString("source-bucket")),
				Key:    lo.Must(cmd.Flags().GetString("source-key")),
			},
			StartFrame:       lo.Must(cmd.Flags().GetInt("start-frame")),
			EndFrame:         lo.Must(cmd.Flags().GetInt("end-frame")),
			FramesPerMachine: lo.Must(cmd.Flags().GetInt("frames-per-machine")),
			Software:         lo.Must(cmd.Flags().GetString("software")),
			PublicIP:         lo.Must(cmd.Flags().GetString("broker-host")),
			Action:           driver.ProjectActionStart,
		}

		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = fmt.Sprintf(" Provisioning render fleet for project '%s'...", req.ID)
		s.Start()

		var resp driver.ProjectResponse
		err := postJSON("/projects", req, &resp)
		s.Stop()
		if err != nil {
			return err
		}

		fmt.Printf("%s Project '%s' started on %d machine(s)\n",
			color.GreenString("✓"), resp.ID, len(resp.Log.Jobs))

		if !lo.Must(cmd.Flags().GetBool("wait")) {
			return nil
		}
		return waitForCompletion(resp.ID)
	},
}

func waitForCompletion(projectID string) error {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Rendering..."
	s.Start()
	defer s.Stop()

	for {
		time.Sleep(2 * time.Second)

		var resp driver.ProjectResponse
		if err := getJSON("/projects/"+projectID, &resp); err != nil {
			return err
		}

		rendered := 0
		for _, job := range resp.Log.Jobs {
			rendered += job.FramesRendered
		}
		total := resp.EndFrame - resp.StartFrame + 1
		s.Suffix = fmt.Sprintf(" Rendering... %d/%d frames", rendered, total)

		if resp.IsComplete {
			s.Stop()
			fmt.Printf("%s Project '%s' complete, output at %s/%s\n",
				color.GreenString("✓"), projectID, resp.OutputURI.Bucket, resp.OutputURI.Key)
			return nil
		}
	}
}

func init() {
	flags := startCmd.Flags()
	flags.String("id", "", "project id")
	flags.String("source-bucket", "", "bucket holding the scene file")
	flags.String("source-key", "", "key of the scene file")
	flags.Int("start-frame", 1, "first frame to render")
	flags.Int("end-frame", 1, "last frame to render")
	flags.Int("frames-per-machine", driver.DefaultFramesPerMachine, "frames assigned to each machine")
	flags.String("software", "blender", "rendering software tag")
	flags.String("broker-host", "", "host of the worker message broker")
	flags.Bool("wait", false, "wait for the project to complete")
	lo.Must0(startCmd.MarkFlagRequired("id"))
	lo.Must0(startCmd.MarkFlagRequired("source-bucket"))
	lo.Must0(startCmd.MarkFlagRequired("source-key"))
	lo.Must0(startCmd.MarkFlagRequired("broker-host"))

	drenderCmd.AddCommand(startCmd)
}
