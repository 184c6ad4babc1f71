package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tomoalign/internal/logging"
	"tomoalign/pkg/correlation"
	"tomoalign/pkg/mrc"
	"tomoalign/pkg/peaks"
	"tomoalign/pkg/search"
	"tomoalign/pkg/visualization"
	"tomoalign/pkg/volume"
)

func newSearchCmd(root *Root) *cobra.Command {
	var (
		sf      searchFlags
		mask1   string
		mask2   string
		output  string
		preview string
		top     int
	)

	cmd := &cobra.Command{
		Use:   "search <reference.mrc> <moving.mrc>",
		Short: "Find the rigid transforms that map one volume onto another",
		Long: `Run the combined rotation and translation search and print the
candidate alignments of the moving volume onto the reference, best first.

Examples:
  # Default search with masks
  tomoalign search ref.mrc sub.mrc --mask1 ref_mask.mrc --mask2 wedge.mrc

  # Finer angular grid, save the best alignment and previews
  tomoalign search ref.mrc sub.mrc -L 12 --output aligned.mrc --preview previews/`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v1, m1, err := loadPair(args[0], mask1)
			if err != nil {
				return err
			}
			v2, m2, err := loadPair(args[1], mask2)
			if err != nil {
				return err
			}

			opts, err := sf.options(root, cmd.Flags())
			if err != nil {
				return err
			}
			opts.Progress = func(completed, total int, message string) {
				root.log.Debug(message, "completed", completed, "total", total)
			}
			root.log.Info("search started",
				"reference", args[0],
				"moving", args[1],
				"dims", v1.Dims(),
				"L", opts.L,
				"space", opts.Space,
				"workers", opts.Workers,
			)

			start := time.Now()
			res, err := search.CombinedSearch(v1, m1, v2, m2, opts)
			if err != nil {
				return err
			}
			logging.LogStageDone(root.log, "search", start, "candidates", len(res))

			out := cmd.OutOrStdout()
			if len(res) == 0 {
				fmt.Fprintln(out, "no alignment found")
				return nil
			}
			if !cmd.Flags().Changed("top") {
				top = root.cfg.Output.TopN
			}
			printHeader(out)
			for i, c := range res {
				if top > 0 && i >= top {
					break
				}
				printCandidate(out, i+1, c)
			}

			best := res[0]
			aligned := best.Transform(v2, root.cfg.Fill())
			if output != "" {
				if err := mrc.WriteFile(output, aligned); err != nil {
					return err
				}
				root.log.Info("aligned volume written", "path", output)
			}
			if preview == "" {
				preview = root.cfg.Output.PreviewDir
			}
			if preview != "" {
				if err := writePreviews(preview, v1, aligned); err != nil {
					return err
				}
				root.log.Info("previews written", "dir", preview)
			}
			return nil
		},
	}

	sf.register(cmd.Flags())
	cmd.Flags().StringVar(&mask1, "mask1", "", "mask of the reference volume (default all ones)")
	cmd.Flags().StringVar(&mask2, "mask2", "", "mask of the moving volume (default all ones)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the moving volume transformed by the best candidate")
	cmd.Flags().StringVar(&preview, "preview", "", "directory for PNG slices of the reference and the aligned volume")
	cmd.Flags().IntVarP(&top, "top", "n", 10, "number of candidates to print (0 prints all)")

	return cmd
}

func newClassifyCmd(root *Root) *cobra.Command {
	var (
		sf           searchFlags
		mask         string
		templateMask string
	)

	cmd := &cobra.Command{
		Use:   "classify <volume.mrc> <template.mrc>...",
		Short: "Align a volume against several templates and report the best match",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, m, err := loadPair(args[0], mask)
			if err != nil {
				return err
			}
			var tm *volume.Volume
			if templateMask != "" {
				if tm, _, err = mrc.ReadFile(templateMask); err != nil {
					return err
				}
			}
			templates := make([]search.Template, 0, len(args)-1)
			for _, path := range args[1:] {
				t, _, err := mrc.ReadFile(path)
				if err != nil {
					return err
				}
				templates = append(templates, search.Template{Name: path, Volume: t, Mask: tm})
			}

			opts, err := sf.options(root, cmd.Flags())
			if err != nil {
				return err
			}
			start := time.Now()
			best, c, err := search.AlignToTemplates(v, m, templates, opts)
			if err != nil {
				return err
			}
			logging.LogStageDone(root.log, "classify", start, "templates", len(templates))

			out := cmd.OutOrStdout()
			if best < 0 {
				fmt.Fprintln(out, "no template matched")
				return nil
			}
			fmt.Fprintf(out, "best template: %s\n", templates[best].Name)
			printHeader(out)
			printCandidate(out, best+1, c)
			return nil
		},
	}

	sf.register(cmd.Flags())
	cmd.Flags().StringVar(&mask, "mask", "", "mask of the volume (default all ones)")
	cmd.Flags().StringVar(&templateMask, "template-mask", "", "mask shared by all templates (default all ones)")

	return cmd
}

func newCorrelateCmd(root *Root) *cobra.Command {
	var (
		sf       searchFlags
		mask1    string
		mask2    string
		top      int
		perShell bool
	)

	cmd := &cobra.Command{
		Use:   "correlate <reference.mrc> <moving.mrc>",
		Short: "Print the distinct peaks of the rotational correlation",
		Long: `Evaluate the rotational correlation of two volumes about their common
centre, without a translation search, and list its distinct local maxima.
With --space amplitude the Fourier amplitude spectra are correlated instead;
any other space correlates the volumes. With --per-shell the best rotation
of every spherical shell is listed instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v1, m1, err := loadPair(args[0], mask1)
			if err != nil {
				return err
			}
			v2, m2, err := loadPair(args[1], mask2)
			if err != nil {
				return err
			}
			if err := volume.CheckShapes(v1, m1, v2, m2); err != nil {
				return err
			}
			opts, err := sf.options(root, cmd.Flags())
			if err != nil {
				return err
			}
			f, g := v1.Centred(m1), v2.Centred(m2)
			if opts.Space == search.SpaceAmplitude {
				f, g = search.Amplitude(f), search.Amplitude(g)
			}
			radii := correlation.DefaultRadii(v1)
			copts := correlation.Options{Oversample: opts.Oversample, Workers: opts.Workers}
			out := cmd.OutOrStdout()

			start := time.Now()
			if perShell {
				fields, err := correlation.RotationSearchShells(f, g, opts.L, radii, nil, v1.Center(), copts)
				if err != nil {
					return err
				}
				logging.LogStageDone(root.log, "shell correlation", start, "shells", len(fields))
				fmt.Fprintf(out, "%6s  %12s  %s\n", "radius", "score", "phi,theta,psi")
				for i, field := range fields {
					idx, score := field.Max()
					if idx < 0 {
						continue
					}
					fmt.Fprintf(out, "%6.1f  %12.6g  %s\n", radii[i], score, formatAngle(field.Angle(idx)))
				}
				return nil
			}

			field, err := correlation.RotationSearch(f, g, opts.L, radii, nil, v1.Center(), copts)
			if err != nil {
				return err
			}
			logging.LogStageDone(root.log, "correlation", start, "samples", field.N)

			angles, scores, err := peaks.FindLocalMaxima(field, opts.PeakSpacing)
			if err != nil {
				return err
			}
			angles, scores, err = peaks.RemoveRedundant(angles, scores, opts.Tolerance)
			if err != nil {
				return err
			}
			root.log.Debug("peaks extracted", "distinct", len(angles))

			fmt.Fprintf(out, "%3s  %12s  %s\n", "#", "score", "phi,theta,psi")
			for i := range angles {
				if top > 0 && i >= top {
					break
				}
				fmt.Fprintf(out, "%3d  %12.6g  %s\n", i+1, scores[i], formatAngle(angles[i]))
			}
			return nil
		},
	}

	sf.register(cmd.Flags())
	cmd.Flags().StringVar(&mask1, "mask1", "", "mask of the reference volume (default all ones)")
	cmd.Flags().StringVar(&mask2, "mask2", "", "mask of the moving volume (default all ones)")
	cmd.Flags().IntVarP(&top, "top", "n", 10, "number of peaks to print (0 prints all)")
	cmd.Flags().BoolVar(&perShell, "per-shell", false, "report the best rotation of each shell")

	return cmd
}

// loadPair reads a volume and, when maskPath is set, its mask.
func loadPair(path, maskPath string) (*volume.Volume, *volume.Volume, error) {
	v, _, err := mrc.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if maskPath == "" {
		return v, nil, nil
	}
	m, _, err := mrc.ReadFile(maskPath)
	if err != nil {
		return nil, nil, err
	}
	if !m.SameShape(v) {
		return nil, nil, fmt.Errorf("%w: mask %s is %v, volume %s is %v", volume.ErrShapeMismatch, maskPath, m.Dims(), path, v.Dims())
	}
	return v, m, nil
}

// writePreviews saves the central slices of the reference and the aligned
// volume on a shared intensity scale.
func writePreviews(dir string, reference, aligned *volume.Volume) error {
	lo1, hi1 := reference.Range()
	lo2, hi2 := aligned.Range()
	for _, p := range []struct {
		prefix string
		v      *volume.Volume
	}{
		{"reference", reference},
		{"aligned", aligned},
	} {
		viewer := visualization.NewViewer(p.v)
		viewer.SetWindow(min(lo1, lo2), max(hi1, hi2))
		if _, err := viewer.SaveOrthogonal(dir, p.prefix); err != nil {
			return err
		}
	}
	return nil
}
