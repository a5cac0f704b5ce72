package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	httpapi "github.com/bnema/restora/internal/adapter/http"
	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/service"
)

func (a *app) client() *httpapi.Client {
	return httpapi.NewClient(a.cfg.Client.ServerURL, a.cfg.Client.Timeout).WithToken(a.cfg.Client.APIToken)
}

// submitFlags maps CLI flags onto parameter keys. Only flags given on the
// command line are sent; the server fills in the rest.
var submitFlags = []struct {
	flag, key, usage string
	kind           string
}{
	{"output", "output_path", "output path (default <input>_restored.mkv)", "string"},
	{"resolution", "resolution", "target resolution: source, 720p, 1080p, 1440p, 2160p, 4320p", "string"},
	{"quality", "quality_tier", "quality tier: auto, best, balanced, good", "string"},
	{"crf", "crf", "constant rate factor 0-51", "int"},
	{"fps", "fps", "output frame rate, 0 keeps the source rate", "float"},
	{"encoder", "encoder", "encoder: auto, hw-hevc, hw-h264, sw-hevc, sw-h264", "string"},
	{"upscale", "upscale_engine", "upscale engine: auto, vendor-sdk, portable-ai-upscaler, cpu-filter", "string"},
	{"hdr", "hdr_mode", "HDR output: off, hdr10, hlg", "string"},
	{"denoise", "denoise", "apply temporal denoising", "bool"},
	{"denoise-strength", "denoise_strength", "denoise strength 0-1", "float"},
	{"lut", "lut_path", "3D LUT file for colour grading", "string"},
	{"lut-intensity", "lut_intensity", "LUT blend 0-1", "float"},
	{"face-restore", "face_restore", "face restoration: auto, on, off", "string"},
	{"face-fidelity", "face_restore_fidelity", "face restoration fidelity 0-1", "float"},
	{"deinterlace", "deinterlace", "deinterlacing: auto, on, off", "string"},
	{"audio-enhance", "audio_enhance", "denoise and normalise audio", "bool"},
	{"upmix", "audio_upmix", "audio upmix: auto, stem-separation, classic-surround, simple, none", "string"},
	{"priority", "priority", "higher runs first", "int"},
}

func (a *app) submitCommand() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <input> [flags]",
		Short: "Queue a restoration job on the server",
		Long: `Queue a restoration job. Parameters left unset resolve from the host's
recommendation on the server. Local input paths are made absolute first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := submitBody(args[0], cmd.Flags())
			if err != nil {
				return err
			}
			job, err := a.client().Submit(cmd.Context(), body)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput && !wait {
				return writeJSON(out, job)
			}
			fmt.Fprintf(out, "queued %s\n", job.ID)
			for _, w := range job.Warnings {
				fmt.Fprintf(out, "%s %s\n", pterm.Yellow("warning:"), w)
			}
			if !wait {
				return nil
			}
			return a.wait(cmd.Context(), out, job.ID)
		},
	}

	flags := cmd.Flags()
	for _, f := range submitFlags {
		switch f.kind {
		case "int":
			flags.Int(f.flag, 0, f.usage)
		case "float":
			flags.Float64(f.flag, 0, f.usage)
		case "bool":
			flags.Bool(f.flag, false, f.usage)
		default:
			flags.String(f.flag, "", f.usage)
		}
	}
	flags.BoolVarP(&wait, "wait", "w", false, "follow the job until it finishes")
	return cmd
}

func submitBody(input string, flags *pflag.FlagSet) ([]byte, error) {
	input = strings.TrimSpace(input)
	if !domain.IsRemoteLocator(input) && input != "" {
		if abs, err := filepath.Abs(input); err == nil {
			input = abs
		}
	}
	body := map[string]any{"input_source": input}

	for _, f := range submitFlags {
		if !flags.Changed(f.flag) {
			continue
		}
		var (
			v   any
			err error
		)
		switch f.kind {
		case "int":
			v, err = flags.GetInt(f.flag)
		case "float":
			v, err = flags.GetFloat64(f.flag)
		case "bool":
			v, err = flags.GetBool(f.flag)
		default:
			v, err = flags.GetString(f.flag)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read --%s", f.flag)
		}
		body[f.key] = v
	}
	if p, ok := body["output_path"].(string); ok && p != "" && !domain.IsRemoteLocator(p) {
		if abs, err := filepath.Abs(p); err == nil {
			body["output_path"] = abs
		}
	}

	data, err := json.Marshal(body)
	return data, errors.Wrap(err, "encode parameters")
}

// wait follows the job's event stream and fails unless it completes.
func (a *app) wait(ctx context.Context, out io.Writer, id string) error {
	var final *service.Event
	lastPct := -1
	err := a.client().Watch(ctx, id, func(ev service.Event) {
		switch ev.Type {
		case service.EventProgress:
			if pct := int(ev.Progress * 100); pct != lastPct {
				lastPct = pct
				fmt.Fprintf(out, "%s %3d%%\n", shortID(id), pct)
			}
		case service.EventStatus:
			fmt.Fprintf(out, "%s %s\n", shortID(id), colorStatus(ev.Status))
			if ev.Status.IsTerminal() {
				e := ev
				final = &e
			}
		}
	})
	if err != nil {
		return err
	}
	if final == nil {
		return errors.New("event stream ended before the job finished")
	}
	if final.Status != domain.JobStatusCompleted {
		job, err := a.client().Job(ctx, id)
		if err == nil && job.ErrorMessage != "" {
			return errors.Newf("job %s %s: %s", shortID(id), final.Status, job.ErrorMessage)
		}
		return errors.Newf("job %s %s", shortID(id), final.Status)
	}
	return nil
}

func (a *app) listCommand() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs on the server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.client().List(cmd.Context(), domain.JobStatus(status))
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			return printJobs(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "only jobs with this status")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.client().Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), job)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func (a *app) cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), job)
			}
			if job.Status == domain.JobStatusProcessing {
				fmt.Fprintf(cmd.OutOrStdout(), "%s cancellation requested\n", job.ID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, colorStatus(job.Status))
			return nil
		},
	}
}

func (a *app) removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <job-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a finished job from the history",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client().Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func printJobs(w io.Writer, resp *httpapi.ListResponse) error {
	if len(resp.Jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return nil
	}
	data := pterm.TableData{{"ID", "STATUS", "PROGRESS", "PRIO", "CREATED", "INPUT"}}
	for _, j := range resp.Jobs {
		data = append(data, []string{
			shortID(j.ID),
			colorStatus(j.Status),
			fmt.Sprintf("%3.0f%%", j.Progress*100),
			fmt.Sprint(j.Priority),
			j.CreatedAt.Local().Format(time.DateTime),
			j.InputSource,
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "render job table")
	}
	fmt.Fprintln(w, table)

	var parts []string
	for _, s := range []domain.JobStatus{
		domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusCompleted,
		domain.JobStatusFailed, domain.JobStatusCancelled,
	} {
		if n := resp.Counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintln(w, strings.Join(parts, ", "))
	}
	return nil
}

func printJob(w io.Writer, j *domain.Job) {
	fmt.Fprintf(w, "ID:        %s\n", j.ID)
	fmt.Fprintf(w, "Status:    %s\n", colorStatus(j.Status))
	fmt.Fprintf(w, "Progress:  %.0f%%\n", j.Progress*100)
	fmt.Fprintf(w, "Input:     %s\n", j.InputSource)
	fmt.Fprintf(w, "Output:    %s\n", j.OutputPath)
	fmt.Fprintf(w, "Settings:  %s, %s, %s, %s upscale, crf %d\n",
		j.Resolution, j.QualityTier, j.Encoder, j.UpscaleEngine, j.CRF)
	fmt.Fprintf(w, "Priority:  %d (attempts %d)\n", j.Priority, j.Attempts)
	fmt.Fprintf(w, "Created:   %s\n", j.CreatedAt.Local().Format(time.DateTime))
	if j.StartedAt != nil {
		fmt.Fprintf(w, "Started:   %s\n", j.StartedAt.Local().Format(time.DateTime))
	}
	if j.FinishedAt != nil {
		fmt.Fprintf(w, "Finished:  %s\n", j.FinishedAt.Local().Format(time.DateTime))
	}
	if j.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:     %s\n", j.ErrorMessage)
	}
	for _, warning := range j.Warnings {
		fmt.Fprintf(w, "Warning:   %s\n", warning)
	}
}

func colorStatus(s domain.JobStatus) string {
	switch s {
	case domain.JobStatusCompleted:
		return pterm.Green(s)
	case domain.JobStatusFailed:
		return pterm.Red(s)
	case domain.JobStatusCancelled:
		return pterm.Gray(s)
	case domain.JobStatusProcessing:
		return pterm.LightCyan(s)
	}
	return string(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
