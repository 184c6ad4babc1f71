package cli

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"tomoalign/pkg/filter"
	"tomoalign/pkg/geometry"
	"tomoalign/pkg/metrics"
	"tomoalign/pkg/mrc"
	"tomoalign/pkg/visualization"
	"tomoalign/pkg/volume"
)

func newRotateCmd(root *Root) *cobra.Command {
	var (
		angles []float64
		shift  []float64
		fill   string
		mask   bool
	)

	cmd := &cobra.Command{
		Use:   "rotate <input.mrc> <output.mrc>",
		Short: "Rotate and translate a volume or a mask",
		Long: `Apply the rigid transform given by ZYZ Euler angles in degrees and a
translation in voxels, rotating about the volume centre. A search
candidate row can be passed back verbatim: --angles phi,theta,psi --shift tx,ty,tz.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deg, err := triple("angles", angles)
			if err != nil {
				return err
			}
			t, err := triple("shift", shift)
			if err != nil {
				return err
			}
			f := root.cfg.Fill()
			if cmd.Flags().Changed("fill") {
				if f, err = volume.ParseFill(fill); err != nil {
					return err
				}
			}

			v, _, err := mrc.ReadFile(args[0])
			if err != nil {
				return err
			}
			r := geometry.RotationMatrix(geometry.Radians(deg))
			var out *volume.Volume
			if mask {
				out = volume.RotateMaskShift(v, r, geometry.Vec3(t))
			} else {
				out = volume.Rotate(v, r, geometry.Vec3(t), f)
			}
			if err := mrc.WriteFile(args[1], out); err != nil {
				return err
			}
			root.log.Info("volume rotated", "input", args[0], "output", args[1], "angles", deg, "shift", t, "mask", mask)
			return nil
		},
	}

	cmd.Flags().Float64SliceVarP(&angles, "angles", "a", []float64{0, 0, 0}, "ZYZ Euler angles phi,theta,psi in degrees")
	cmd.Flags().Float64SliceVarP(&shift, "shift", "s", []float64{0, 0, 0}, "translation x,y,z in voxels")
	cmd.Flags().StringVar(&fill, "fill", "", "value for voxels rotated in from outside (mean|zero), overrides the config")
	cmd.Flags().BoolVar(&mask, "mask", false, "treat the input as a mask: nearest-neighbour sampling and zero fill")

	return cmd
}

func newFilterCmd(root *Root) *cobra.Command {
	var (
		gaussian float64
		lowpass  float64
		edge     float64
		sphere   float64
	)

	cmd := &cobra.Command{
		Use:   "filter <input.mrc> <output.mrc>",
		Short: "Smooth, band-limit or spherically mask a volume",
		Long: `Apply, in this order, a Gaussian smoothing of standard deviation
--gaussian voxels, a low-pass filter at --lowpass cycles per volume and a
spherical mask of radius --sphere voxels. --edge softens the low-pass and
mask boundaries.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if gaussian <= 0 && lowpass < 0 && sphere <= 0 {
				return fmt.Errorf("nothing to do: set --gaussian, --lowpass or --sphere")
			}
			v, _, err := mrc.ReadFile(args[0])
			if err != nil {
				return err
			}
			if gaussian > 0 {
				v = filter.Gaussian(v, gaussian)
			}
			if lowpass >= 0 {
				if v, err = filter.Lowpass(v, lowpass, edge); err != nil {
					return err
				}
			}
			if sphere > 0 {
				v = filter.ApplySphereMask(v, sphere, edge)
			}
			if err := mrc.WriteFile(args[1], v); err != nil {
				return err
			}
			root.log.Info("volume filtered", "input", args[0], "output", args[1],
				"gaussian", gaussian, "lowpass", lowpass, "sphere", sphere, "edge", edge)
			return nil
		},
	}

	cmd.Flags().Float64Var(&gaussian, "gaussian", 0, "Gaussian smoothing sigma in voxels")
	cmd.Flags().Float64Var(&lowpass, "lowpass", -1, "low-pass cutoff in cycles per volume (negative disables)")
	cmd.Flags().Float64Var(&edge, "edge", 0, "width of the soft edge of the low-pass and sphere")
	cmd.Flags().Float64Var(&sphere, "sphere", 0, "spherical mask radius in voxels")

	return cmd
}

func newMaskCmd(root *Root) *cobra.Command {
	var (
		size   []int
		radius float64
		edge   float64
	)

	cmd := &cobra.Command{
		Use:   "mask <output.mrc>",
		Short: "Write a spherical mask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(size) != 3 || size[0] <= 0 || size[1] <= 0 || size[2] <= 0 {
				return fmt.Errorf("--size takes three positive dimensions, got %v", size)
			}
			if radius <= 0 {
				radius = float64(min(size[0], size[1], size[2])) / 2
			}
			m := filter.SphereMask(size[0], size[1], size[2], radius, edge)
			if err := mrc.WriteFile(args[0], m); err != nil {
				return err
			}
			root.log.Info("mask written", "output", args[0], "size", size, "radius", radius)
			return nil
		},
	}

	cmd.Flags().IntSliceVar(&size, "size", []int{32, 32, 32}, "mask dimensions nx,ny,nz")
	cmd.Flags().Float64Var(&radius, "radius", 0, "sphere radius in voxels (default half the smallest dimension)")
	cmd.Flags().Float64Var(&edge, "edge", 0, "width of the soft edge")

	return cmd
}

func newCropCmd(root *Root) *cobra.Command {
	var (
		origin []int
		size   []int
	)

	cmd := &cobra.Command{
		Use:   "crop <input.mrc> <output.mrc>",
		Short: "Extract a box from a volume",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(origin) != 3 || len(size) != 3 {
				return fmt.Errorf("--origin and --size take three values each")
			}
			v, _, err := mrc.ReadFile(args[0])
			if err != nil {
				return err
			}
			region, err := visualization.NewViewer(v).ExtractRegion(origin[0], origin[1], origin[2], size[0], size[1], size[2])
			if err != nil {
				return err
			}
			if err := mrc.WriteFile(args[1], region); err != nil {
				return err
			}
			root.log.Info("region extracted", "input", args[0], "output", args[1], "origin", origin, "size", size)
			return nil
		},
	}

	cmd.Flags().IntSliceVar(&origin, "origin", []int{0, 0, 0}, "first voxel x,y,z of the box")
	cmd.Flags().IntSliceVar(&size, "size", nil, "box dimensions nx,ny,nz")
	cmd.MarkFlagRequired("size")

	return cmd
}

func newCompareCmd(root *Root) *cobra.Command {
	var (
		mask      string
		threshold float64
		curve     bool
	)

	cmd := &cobra.Command{
		Use:   "compare <reference.mrc> <aligned.mrc>",
		Short: "Report agreement metrics and the Fourier shell correlation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, m, err := loadPair(args[0], mask)
			if err != nil {
				return err
			}
			b, _, err := mrc.ReadFile(args[1])
			if err != nil {
				return err
			}
			report, err := metrics.Compare(a, b, m)
			if err != nil {
				return err
			}
			fsc, err := metrics.FSC(a, b)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Validation Metrics:\n")
			fmt.Fprintf(out, "===================\n")
			fmt.Fprintf(out, "Normalised cross-correlation (NCC): %.6f\n", report.NCC)
			fmt.Fprintf(out, "Signal-to-noise ratio (SNR): %.3f\n", report.SNR)
			fmt.Fprintf(out, "Root Mean Square Error (RMSE): %.6f\n", report.RMSE)
			fmt.Fprintf(out, "Structural Similarity Index (SSIM): %.3f\n", report.SSIM)
			fmt.Fprintf(out, "Mutual Information (MI): %.3f\n", report.MI)
			fmt.Fprintf(out, "Entropy Difference: %.3f\n", report.EntropyDiff)

			shell := metrics.Resolution(fsc, threshold)
			if shell > 0 {
				fmt.Fprintf(out, "FSC %.3g crossing: shell %d of %d (%.2f voxels)\n",
					threshold, shell, len(fsc), float64(min(a.Nx, a.Ny, a.Nz))/float64(shell))
			}
			if curve {
				fmt.Fprintf(out, "\n%5s  %9s\n", "shell", "fsc")
				for i, c := range fsc {
					if math.IsNaN(c) {
						fmt.Fprintf(out, "%5d  %9s\n", i+1, "-")
						continue
					}
					fmt.Fprintf(out, "%5d  %9.6f\n", i+1, c)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mask, "mask", "", "mask weighting the correlation (default all ones)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.5, "FSC threshold for the resolution estimate")
	cmd.Flags().BoolVar(&curve, "curve", false, "print the full FSC curve")

	return cmd
}

func newPreviewCmd(root *Root) *cobra.Command {
	var (
		outputDir string
		axis      string
	)

	cmd := &cobra.Command{
		Use:   "preview <input.mrc>",
		Short: "Save PNG slices of a volume",
		Long: `Save the three central orthogonal slices of a volume, or with --axis
every slice along one axis.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := mrc.ReadFile(args[0])
			if err != nil {
				return err
			}
			if outputDir == "" {
				outputDir = root.cfg.Output.PreviewDir
			}
			if outputDir == "" {
				outputDir = "."
			}
			viewer := visualization.NewViewer(v)
			if axis != "" {
				if err := viewer.SaveSliceSequence(axis, outputDir); err != nil {
					return err
				}
				root.log.Info("slices written", "dir", outputDir, "axis", axis)
				return nil
			}
			paths, err := viewer.SaveOrthogonal(outputDir, "slice")
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (default the configured preview directory)")
	cmd.Flags().StringVar(&axis, "axis", "", "save every slice along x, y or z instead of the central three")

	return cmd
}
