package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/bnema/restora/internal/adapter/hardware"
	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/service"
)

func (a *app) detectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Probe this host and print its capability snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot := a.detector().Detect(cmd.Context())
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), snapshot)
			}
			printSnapshot(cmd.OutOrStdout(), snapshot)
			return nil
		},
	}
}

func (a *app) recommendCommand() *cobra.Command {
	var snapshotPath string
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Print the processing configuration for this host",
		Long: `Print the processing configuration derived from the capability snapshot.
With --snapshot the snapshot is read from a JSON file (as printed by
"restora detect --json") instead of probing this host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snapshot domain.Snapshot
			if snapshotPath != "" {
				s, err := readSnapshot(snapshotPath)
				if err != nil {
					return err
				}
				snapshot = s
			} else {
				snapshot = a.detector().Detect(cmd.Context())
			}

			rec := service.Recommend(snapshot, a.cfg.Policy)
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), rec)
			}
			printRecommendation(cmd.OutOrStdout(), snapshot, rec)
			return nil
		},
	}
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "read the snapshot from this JSON file")
	return cmd
}

func (a *app) detector() *service.Detector {
	return service.NewDetector(hardware.New(hardware.Options{SDKPaths: a.cfg.Probe.SDKPaths}), a.cfg.Probe.Timeout)
}

func readSnapshot(path string) (domain.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Snapshot{}, errors.Wrap(err, "read snapshot")
	}
	var s domain.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.Snapshot{}, errors.WithHint(errors.Wrapf(err, "decode snapshot %s", path),
			`produce one with "restora detect --json"`)
	}
	return s, nil
}

func printSnapshot(w io.Writer, s domain.Snapshot) {
	fmt.Fprintf(w, "Accelerator:   %s (%s)\n", s.Name, s.Vendor)
	fmt.Fprintf(w, "Tier:          %s\n", s.Tier)
	fmt.Fprintf(w, "VRAM:          %.1f GB\n", s.VRAMGB)
	if s.DriverVersion != "" {
		fmt.Fprintf(w, "Driver:        %s\n", s.DriverVersion)
	}
	fmt.Fprintf(w, "HW encode:     %s\n", yesNo(s.HardwareEncode))
	fmt.Fprintf(w, "Vendor SDK:    %s\n", yesNo(s.VendorSDK))
	fmt.Fprintf(w, "Compute:       general %s, portable %s\n", yesNo(s.GeneralCompute), yesNo(s.PortableCompute))
	fmt.Fprintf(w, "Host:          %d threads, %.1f GB RAM\n", s.CPUThreads, s.SystemMemoryGB)
	fmt.Fprintf(w, "Source:        %s\n", s.Source)
}

func printRecommendation(w io.Writer, s domain.Snapshot, r domain.Recommendation) {
	fmt.Fprintf(w, "Host:          %s (%s, %.1f GB)\n", s.Name, s.Tier, s.VRAMGB)
	fmt.Fprintf(w, "Upscale:       %s\n", r.UpscaleEngine)
	fmt.Fprintf(w, "Encoder:       %s\n", r.Encoder)
	fmt.Fprintf(w, "Quality:       %s\n", r.QualityTier)
	fmt.Fprintf(w, "Face restore:  %s\n", yesNo(r.FaceRestoreEnabled))
	fmt.Fprintf(w, "Audio upmix:   %s\n", r.AudioUpmix)
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "Warning:       %s\n", warning)
	}
	fmt.Fprintf(w, "\n%s\n", r.Explanation)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
