package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"

	"github.com/ChuLiYu/dockq/pkg/types"
)

var statusIcons = map[types.JobStatus]string{
	types.StatusPending:    "⏳",
	types.StatusProcessing: "⚙️",
	types.StatusCompleted:  "✅",
	types.StatusFailed:     "❌",
}

// rankResults 成功的配體依結合能由低到高排序，失敗的排在最後
func rankResults(results []types.LigandResult) (ranked, failed []types.LigandResult) {
	ranked = lo.Filter(results, func(r types.LigandResult, _ int) bool { return r.Succeeded() })
	failed = lo.Reject(results, func(r types.LigandResult, _ int) bool { return r.Succeeded() })
	sort.SliceStable(ranked, func(i, j int) bool {
		return *ranked[i].BindingAffinity < *ranked[j].BindingAffinity
	})
	return ranked, failed
}

func printJob(out io.Writer, job *types.DockingJob) {
	fmt.Fprintf(out, "%s Job %s\n", statusIcons[job.Status], job.ID)
	fmt.Fprintf(out, "  Status:    %s\n", job.Status)
	fmt.Fprintf(out, "  Receptor:  %s\n", job.ReceptorName)
	fmt.Fprintf(out, "  Ligands:   %d/%d done (%d succeeded, %d failed)\n",
		len(job.LigandResults), job.TotalLigands, job.SuccessfulDocks, job.FailedDocks)
	fmt.Fprintf(out, "  Box:       center (%.3f, %.3f, %.3f) size (%.1f, %.1f, %.1f)\n",
		job.Params.CenterX, job.Params.CenterY, job.Params.CenterZ,
		job.Params.SizeX, job.Params.SizeY, job.Params.SizeZ)
	fmt.Fprintf(out, "  Created:   %s\n", job.CreatedAt.Local().Format(time.DateTime))
	if job.ProcessingTime != nil {
		fmt.Fprintf(out, "  Duration:  %s\n", time.Duration(*job.ProcessingTime*float64(time.Second)).Round(time.Millisecond))
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error:     %s\n", job.ErrorMessage)
	}

	ranked, failed := rankResults(job.LigandResults)
	if len(ranked) > 0 {
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RANK\tLIGAND\tAFFINITY (kcal/mol)\tRMSD l.b.\tRMSD u.b.")
		for i, r := range ranked {
			fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\t%s\n",
				i+1, r.LigandName, *r.BindingAffinity, formatOptional(r.RMSDLowerBound), formatOptional(r.RMSDUpperBound))
		}
		tw.Flush()
	}
	if len(failed) > 0 {
		fmt.Fprintln(out)
		for _, r := range failed {
			fmt.Fprintf(out, "  ✗ %s: %s\n", r.LigandName, r.FailureReason)
		}
	}
}

func printJobList(out io.Writer, jobs []*types.DockingJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSTATUS\tRECEPTOR\tLIGANDS\tBEST\tCREATED")
	for _, job := range jobs {
		best := "-"
		if ranked, _ := rankResults(job.LigandResults); len(ranked) > 0 {
			best = fmt.Sprintf("%.2f (%s)", *ranked[0].BindingAffinity, ranked[0].LigandName)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			job.ID, job.Status, job.ReceptorName,
			len(job.LigandResults), job.TotalLigands,
			best, job.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.3f", *v)
}
