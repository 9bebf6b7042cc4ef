package driver

// frameRange is a contiguous inclusive range of frame indices.
type frameRange struct {
	start, end int
}

// splitRange chops [start, end] into contiguous chunks of at most perMachine
// frames, the last chunk clamped to end. start == end yields a single
// one-frame chunk; perMachine larger than the range yields a single chunk.
func splitRange(start, end, perMachine int) []frameRange {
	var chunks []frameRange
	for current := start; current <= end; current += perMachine {
		chunk := frameRange{start: current, end: current + perMachine - 1}
		if chunk.end > end {
			chunk.end = end
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// residualRanges returns the minimum set of contiguous ranges covering
// [start, end] minus the rendered frames, in ascending frame order.
func residualRanges(start, end int, rendered map[int]struct{}) []frameRange {
	var ranges []frameRange
	open := -1 // start of the current unrendered run, -1 when none
	for frame := start; frame <= end; frame++ {
		if _, ok := rendered[frame]; ok {
			if open >= 0 {
				ranges = append(ranges, frameRange{start: open, end: frame - 1})
				open = -1
			}
		} else if open < 0 {
			open = frame
		}
	}
	if open >= 0 {
		ranges = append(ranges, frameRange{start: open, end: end})
	}
	return ranges
}

// partitionJobs produces the initial job set for a project: one job per
// chunk of FramesPerMachine frames, marked active once State.AddJobs
// persists it. Instance and output bindings are left unset until
// provisioning resolves.
func partitionJobs(project *Project, q *MessageQ) []*Job {
	chunks := splitRange(project.StartFrame, project.EndFrame, project.FramesPerMachine)
	jobs := make([]*Job, len(chunks))
	for i, chunk := range chunks {
		jobs[i] = &Job{
			ProjectID:  project.ID,
			StartFrame: chunk.start,
			EndFrame:   chunk.end,
			Source:     project.Source,
			MessageQ:   q,
			Action:     JobActionStart,
		}
	}
	return jobs
}

// residualJobs re-partitions the unrendered frames of a failing job into
// contiguous sub-jobs. Each sub-job inherits source, project, output and
// broker coordinates; the instance is bound later by the recovery handler.
func residualJobs(job *Job, rendered map[int]struct{}) []*Job {
	ranges := residualRanges(job.StartFrame, job.EndFrame, rendered)
	jobs := make([]*Job, len(ranges))
	for i, r := range ranges {
		jobs[i] = &Job{
			ProjectID:  job.ProjectID,
			StartFrame: r.start,
			EndFrame:   r.end,
			Source:     job.Source,
			OutputURI:  job.OutputURI,
			MessageQ:   job.MessageQ,
			Action:     JobActionStart,
		}
	}
	return jobs
}
