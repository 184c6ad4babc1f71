// Package cli implements the tomoalign command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tomoalign/internal/logging"
	"tomoalign/pkg/config"
	"tomoalign/pkg/geometry"
	"tomoalign/pkg/peaks"
	"tomoalign/pkg/search"
)

// Version is reported by the version command.
var Version = "0.1.0-dev"

// DefaultConfigPath is read when --config is not given.
const DefaultConfigPath = "tomoalign.yaml"

// Root carries the state shared by every subcommand once flags are parsed.
type Root struct {
	cfg *config.Config
	log *slog.Logger

	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd creates the root Cobra command
func NewRootCmd() *cobra.Command {
	root := &Root{}

	rootCmd := &cobra.Command{
		Use:   "tomoalign",
		Short: "Rigid alignment of subtomograms by fast rotational matching",
		Long: `tomoalign finds the rotations and translations that superimpose two
masked 3-D volumes, using a spherical-harmonic rotational correlation
followed by a Fourier translation search.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.setup(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&root.configPath, "config", "c", DefaultConfigPath, "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&root.logLevel, "log-level", "", "log level (debug|info|warn|error), overrides the config")
	rootCmd.PersistentFlags().StringVar(&root.logFormat, "log-format", "", "log format (text|json), overrides the config")

	rootCmd.AddCommand(newSearchCmd(root))
	rootCmd.AddCommand(newClassifyCmd(root))
	rootCmd.AddCommand(newCorrelateCmd(root))
	rootCmd.AddCommand(newRotateCmd(root))
	rootCmd.AddCommand(newFilterCmd(root))
	rootCmd.AddCommand(newMaskCmd(root))
	rootCmd.AddCommand(newCropCmd(root))
	rootCmd.AddCommand(newCompareCmd(root))
	rootCmd.AddCommand(newPreviewCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// setup loads the configuration and builds the logger. Log records go to
// the command's error stream so that results on stdout stay parseable.
func (r *Root) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(r.configPath)
	if err != nil {
		return err
	}
	if r.logLevel != "" {
		cfg.Logging.Level = r.logLevel
	}
	if r.logFormat != "" {
		cfg.Logging.Format = r.logFormat
	}
	log, err := logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	r.cfg = cfg
	r.log = log
	return nil
}

// searchFlags holds the command-line overrides of the search section.
type searchFlags struct {
	l             int
	spacing       int
	tolerance     float64
	oversample    int
	maxCandidates int
	space         string
	cores         int
}

func (f *searchFlags) register(fs *pflag.FlagSet) {
	fs.IntVarP(&f.l, "bandwidth", "L", search.DefaultL, "angular bandwidth; the rotation step is 90/L degrees")
	fs.IntVar(&f.spacing, "spacing", search.DefaultPeakSpacing, "half-width of the neighbourhood a correlation peak must dominate")
	fs.Float64Var(&f.tolerance, "tolerance", peaks.DefaultTolerance, "rotation distance in radians below which peaks merge")
	fs.IntVar(&f.oversample, "oversample", search.DefaultOversample, "angular oversampling of the correlation field")
	fs.IntVar(&f.maxCandidates, "max-candidates", 0, "limit on refined peaks (0 keeps all)")
	fs.StringVar(&f.space, "space", search.SpaceAuto.String(), "rotation search on real volumes, Fourier amplitudes or both (real|amplitude|auto)")
	fs.IntVar(&f.cores, "cores", runtime.NumCPU(), "number of CPU cores to use")
}

// options starts from the configuration and applies the flags the user set.
func (f *searchFlags) options(r *Root, fs *pflag.FlagSet) (search.Options, error) {
	opts := r.cfg.SearchOptions()
	if fs.Changed("bandwidth") {
		opts.L = f.l
	}
	if fs.Changed("spacing") {
		opts.PeakSpacing = f.spacing
	}
	if fs.Changed("tolerance") {
		opts.Tolerance = f.tolerance
	}
	if fs.Changed("oversample") {
		opts.Oversample = f.oversample
	}
	if fs.Changed("max-candidates") {
		opts.MaxCandidates = f.maxCandidates
	}
	if fs.Changed("space") {
		space, err := search.ParseSpace(f.space)
		if err != nil {
			return opts, err
		}
		opts.Space = space
	}
	if fs.Changed("cores") {
		opts.Workers = f.cores
	}
	opts.Logger = r.log
	return opts, nil
}

func triple(name string, v []float64) ([3]float64, error) {
	if len(v) != 3 {
		return [3]float64{}, fmt.Errorf("--%s takes three comma-separated values, got %d", name, len(v))
	}
	return [3]float64{v[0], v[1], v[2]}, nil
}

// printCandidate writes one result row: score, translation in voxels and
// ZYZ Euler angles in degrees.
func printCandidate(w io.Writer, rank int, c search.Candidate) {
	deg := c.Rotation.Degrees()
	fmt.Fprintf(w, "%3d  %9.6f  %8.3f %8.3f %8.3f  %8.3f %8.3f %8.3f\n",
		rank, c.Score,
		c.Translation[0], c.Translation[1], c.Translation[2],
		deg[0], deg[1], deg[2])
}

func printHeader(w io.Writer) {
	fmt.Fprintf(w, "%3s  %9s  %8s %8s %8s  %8s %8s %8s\n",
		"#", "score", "tx", "ty", "tz", "phi", "theta", "psi")
}

func formatAngle(ea geometry.EulerAngle) string {
	d := ea.Degrees()
	return fmt.Sprintf("%.3f,%.3f,%.3f", d[0], d[1], d[2])
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "tomoalign v%s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Built with Go %s\n", runtime.Version())
			return nil
		},
	}
}
