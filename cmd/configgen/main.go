package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/danielpatrickdp/crtomo-controller/internal/configs"
	"github.com/spf13/cobra"
)

var (
	electrodes int
	outPath    string
	unique     bool
)

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// #region root
var rootCmd = &cobra.Command{
	Use:           "configgen",
	Short:         "Generate and analyse four-point measurement configurations",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&electrodes, "electrodes", "n", 0, "number of electrodes")
	rootCmd.PersistentFlags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")
	rootCmd.PersistentFlags().BoolVar(&unique, "unique", false, "remove duplicate configurations before writing")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
	rootCmd.AddCommand(ddCmd, gradientCmd, wennerCmd, schlumbergerCmd, allCmd, infoCmd, noiseCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// #endregion root

// #region generators
var (
	ddOpts  configs.DipoleDipoleOptions
	ddSkipV int

	gradSkip, gradStep, gradVSkip, gradVStep int
)

var ddCmd = &cobra.Command{
	Use:   "dd",
	Short: "Dipole-dipole configurations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := manager()
		if err != nil {
			return err
		}
		opts := ddOpts
		if cmd.Flags().Changed("skipv") {
			opts.SkipV = &ddSkipV
		}
		if _, err := mgr.GenDipoleDipole(opts); err != nil {
			return err
		}
		return writeConfigs(mgr)
	},
}

var gradientCmd = &cobra.Command{
	Use:   "gradient",
	Short: "Gradient configurations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := manager()
		if err != nil {
			return err
		}
		mgr.GenGradient(gradSkip, gradStep, gradVSkip, gradVStep)
		return writeConfigs(mgr)
	},
}

var wennerCmd = &cobra.Command{
	Use:   "wenner SPACING...",
	Short: "Wenner configurations for one or more electrode spacings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := manager()
		if err != nil {
			return err
		}
		for _, a := range args {
			spacing, err := strconv.Atoi(a)
			if err != nil || spacing < 1 {
				return usageError{fmt.Errorf("spacing %q must be a positive integer", a)}
			}
			mgr.GenWenner(spacing)
		}
		return writeConfigs(mgr)
	},
}

var schlumbergerCmd = &cobra.Command{
	Use:   "schlumberger M N",
	Short: "Schlumberger configurations around the voltage dipole M-N",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := manager()
		if err != nil {
			return err
		}
		m, errM := strconv.Atoi(args[0])
		n, errN := strconv.Atoi(args[1])
		if errM != nil || errN != nil {
			return usageError{fmt.Errorf("electrodes %q %q must be integers", args[0], args[1])}
		}
		mgr.GenSchlumberger(m, n)
		return writeConfigs(mgr)
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Every voltage dipole for every current dipole",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := manager()
		if err != nil {
			return err
		}
		mgr.GenAllVoltagesForInjections(mgr.GenAllCurrentDipoles())
		return writeConfigs(mgr)
	},
}

func init() {
	f := ddCmd.Flags()
	f.IntVar(&ddOpts.SkipC, "skipc", 0, "electrodes skipped inside the current dipole")
	f.IntVar(&ddSkipV, "skipv", 0, "electrodes skipped inside the voltage dipole (default skipc)")
	f.IntVar(&ddOpts.StepC, "stepc", 1, "step between current dipoles")
	f.IntVar(&ddOpts.StepV, "stepv", 1, "step between voltage dipoles")
	f.IntVar(&ddOpts.NrVoltageDipoles, "nr-voltage-dipoles", 10, "voltage dipoles per current dipole")
	f.BoolVar(&ddOpts.BeforeCurrent, "before-current", false, "also place voltage dipoles before the current dipole")
	f.IntVar(&ddOpts.StartSkip, "start-skip", 0, "electrodes between current and first voltage dipole")

	g := gradientCmd.Flags()
	g.IntVar(&gradSkip, "skip", 0, "electrodes skipped inside the current dipole")
	g.IntVar(&gradStep, "step", 1, "step between current dipoles")
	g.IntVar(&gradVSkip, "vskip", 0, "electrodes skipped inside the voltage dipole")
	g.IntVar(&gradVStep, "vstep", 1, "step between voltage dipoles")
}

func manager() (*configs.Manager, error) {
	if electrodes < 4 {
		return nil, usageError{fmt.Errorf("--electrodes must be at least 4, got %d", electrodes)}
	}
	return configs.NewManager(electrodes), nil
}

func writeConfigs(mgr *configs.Manager) error {
	if unique {
		mgr.RemoveDuplicates()
	}
	return withOutput(func(w io.Writer) error {
		return mgr.WriteCRModConfig(w)
	})
}

func withOutput(fn func(io.Writer) error) error {
	if outPath == "" {
		return fn(os.Stdout)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// #endregion generators

// #region info
var spacing float64

var infoCmd = &cobra.Command{
	Use:   "info CONFIG_DAT",
	Short: "Summarise a config.dat: normal/reciprocal split and dipole-dipole pseudo-depths",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		mgr := configs.NewManager(electrodes)
		if err := mgr.LoadCRModConfig(f); err != nil {
			return err
		}

		normal, reciprocal := mgr.SplitNormalReciprocal(false)
		fmt.Printf("%d configurations: %d normal, %d reciprocal\n", mgr.NrOfConfigs(), len(normal), len(reciprocal))

		groups := mgr.ClassifyDipoleDipole()
		keys := make([]int, 0, len(groups))
		for k := range groups {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			fmt.Printf("dipole-dipole spacing %d: %d configurations\n", k, len(groups[k]))
		}

		depths, err := mgr.Pseudodepths(spacing, nil)
		if err != nil {
			return err
		}
		if len(depths) == 0 {
			return nil
		}
		all := mgr.Configs()
		var b strings.Builder
		fmt.Fprintf(&b, "%5s  %-15s  %8s  %8s\n", "#", "A B M N", "x", "z")
		for _, d := range depths {
			q := all[d.Index]
			fmt.Fprintf(&b, "%5d  %3d %3d %3d %3d  %8.2f  %8.2f\n", d.Index+1, q.A, q.B, q.M, q.N, d.X, d.Z)
		}
		fmt.Print(b.String())
		return nil
	},
}

func init() {
	infoCmd.Flags().Float64Var(&spacing, "spacing", 1, "electrode spacing in m")
}

// #endregion info

// #region noise
var noiseOpts configs.NoiseOptions

var noiseCmd = &cobra.Command{
	Use:   "noise VOLT_DAT",
	Short: "Add Gaussian noise to the magnitudes of a volt.dat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		mgr := configs.NewManager(electrodes)
		magID, phaID, err := mgr.LoadCRModVolt(f)
		if err != nil {
			return err
		}
		noisy, err := mgr.AddNoise(magID, noiseOpts)
		if err != nil {
			return err
		}
		mgr.SetMetadata(noisy, "source", args[0])
		return withOutput(func(w io.Writer) error {
			return mgr.WriteCRModVolt(w, noisy, phaID)
		})
	},
}

func init() {
	f := noiseCmd.Flags()
	f.Float64Var(&noiseOpts.Relative, "relative", 0.05, "relative standard deviation")
	f.Float64Var(&noiseOpts.Absolute, "absolute", 0, "absolute standard deviation in Ω")
	f.Uint64Var(&noiseOpts.Seed, "seed", 1, "random seed")
	f.BoolVar(&noiseOpts.Positive, "positive", false, "mark values that turn negative as NaN")
}

// #endregion noise
