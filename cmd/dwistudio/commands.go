package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dwistudio/pkg/config"
	"dwistudio/pkg/progress"
	"dwistudio/pkg/stats"
	"dwistudio/pkg/store"
)

// --- Global Command Variables ---
var (
	cfg        *config.Config
	configPath string
	numCores   int
	verbose    bool

	// preprocess
	partnerPath      string
	fibPath          string
	trim             bool
	removeBackground bool
	voxelSize        float64

	// db
	indexName   string
	matchPairs  string
	changeType  string
	subjectMask string

	// stat
	permutations  int
	fiberThr      float64
	normalize     bool
	thresholdName string

	rootCmd = &cobra.Command{
		Use:   "dwistudio",
		Short: "Diffusion MRI calibration and connectometry",
		Long: `dwistudio checks and corrects diffusion acquisitions and builds
connectometry databases with permutation statistics on top of them.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	// --- Preprocessing ---
	preprocessCmd = &cobra.Command{
		Use:   "preprocess SRC OUT",
		Short: "Run quality control, distortion correction and the b-table check",
		Args:  cobra.ExactArgs(2),
		RunE:  runPreprocess, // Defined in cmd_preprocess.go
	}

	// --- Connectometry database ---
	dbCmd = &cobra.Command{
		Use:   "db",
		Short: "Create and edit connectometry databases",
	}
	dbCreateCmd = &cobra.Command{
		Use:   "create TEMPLATE OUT SUBJECT...",
		Short: "Create a database from a template and subject reconstructions",
		Args:  cobra.MinimumNArgs(3),
		RunE:  runDBCreate, // Defined in cmd_db.go
	}
	dbAddCmd = &cobra.Command{
		Use:   "add DB OUT SUBJECT...",
		Short: "Add subject reconstructions to a database",
		Args:  cobra.MinimumNArgs(3),
		RunE:  runDBAdd,
	}
	dbMergeCmd = &cobra.Command{
		Use:   "merge DB OTHER OUT",
		Short: "Append the subjects of another database built on the same template",
		Args:  cobra.ExactArgs(3),
		RunE:  runDBMerge,
	}
	dbChangeCmd = &cobra.Command{
		Use:   "change DB OUT",
		Short: "Replace matched longitudinal scans by their change",
		Args:  cobra.ExactArgs(2),
		RunE:  runDBChange,
	}
	dbInfoCmd = &cobra.Command{
		Use:   "info DB",
		Short: "Print the subjects and report of a database",
		Args:  cobra.ExactArgs(1),
		RunE:  runDBInfo,
	}
	dbExportCmd = &cobra.Command{
		Use:   "export DB OUT",
		Short: "Export the reduced subject vectors with their voxel locations",
		Args:  cobra.ExactArgs(2),
		RunE:  runDBExport,
	}

	// --- Statistics ---
	statCmd = &cobra.Command{
		Use:   "stat",
		Short: "Map effects with permutation statistics",
	}
	statGroupCmd = &cobra.Command{
		Use:   "group DB DESIGN OUT",
		Short: "Compare two groups of subjects",
		Args:  cobra.ExactArgs(3),
		RunE:  runStatGroup, // Defined in cmd_stat.go
	}
	statRegressionCmd = &cobra.Command{
		Use:   "regression DB DESIGN OUT",
		Short: "Map the association with one study variable of a multiple regression",
		Args:  cobra.ExactArgs(3),
		RunE:  runStatRegression,
	}
	statIndividualCmd = &cobra.Command{
		Use:   "individual DB SUBJECT OUT",
		Short: "Compare one subject against the database cohort",
		Args:  cobra.ExactArgs(3),
		RunE:  runStatIndividual,
	}

	// --- Utilities ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit, // Defined in cmd_config.go
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "dwistudio.yaml", "configuration file")
	pf.IntVar(&numCores, "cores", 0, "number of CPU cores to use (default from config)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	preprocessCmd.Flags().StringVar(&partnerPath, "partner", "", "acquisition with reversed phase encoding")
	preprocessCmd.Flags().StringVar(&fibPath, "fib", "", "precomputed fiber fit for the b-table check")
	preprocessCmd.Flags().BoolVar(&trim, "trim", false, "crop the volumes to the mask")
	preprocessCmd.Flags().BoolVar(&removeBackground, "remove-background", false, "zero voxels outside the mask")
	preprocessCmd.Flags().Float64Var(&voxelSize, "voxel-size", 0, "resample to this isotropic voxel size in mm")

	dbCreateCmd.Flags().StringVar(&indexName, "index", "sdf", "sampled measure, sdf for ODF sampling")
	dbChangeCmd.Flags().StringVar(&matchPairs, "pairs", "", "matched scans as baseline:study,... (default: automatic)")
	dbChangeCmd.Flags().StringVar(&changeType, "type", "", "absolute or percentage (default from config)")
	for _, c := range []*cobra.Command{dbChangeCmd, dbExportCmd} {
		c.Flags().StringVar(&subjectMask, "mask", "", "store holding a mask array restricting the comparison")
		c.Flags().Float64Var(&fiberThr, "fiber-threshold", -1, "template anisotropy threshold (default from config)")
		c.Flags().BoolVar(&normalize, "normalize", false, "scale each subject to unit variance")
	}

	for _, c := range []*cobra.Command{statGroupCmd, statRegressionCmd, statIndividualCmd} {
		c.Flags().StringVar(&thresholdName, "threshold-type", "", "t, mean_dif, percentage, beta or percentile (default from config)")
		c.Flags().Float64Var(&fiberThr, "fiber-threshold", -1, "template anisotropy threshold (default from config)")
		c.Flags().BoolVar(&normalize, "normalize", false, "scale each subject to unit variance")
	}
	statGroupCmd.Flags().IntVar(&permutations, "permutations", -1, "number of permutations (default from config)")
	statRegressionCmd.Flags().IntVar(&permutations, "permutations", -1, "number of permutations (default from config)")

	dbCmd.AddCommand(dbCreateCmd, dbAddCmd, dbMergeCmd, dbChangeCmd, dbInfoCmd, dbExportCmd)
	statCmd.AddCommand(statGroupCmd, statRegressionCmd, statIndividualCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(preprocessCmd, dbCmd, statCmd, configCmd)
}

// loadConfig reads the configuration file and applies the global flags
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if cfg, err = config.LoadConfig(configPath); err != nil {
		return err
	}
	if numCores > 0 {
		cfg.Processing.NumCores = numCores
	}
	if verbose {
		cfg.Processing.Verbose = true
	}
	if cfg.Processing.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if cfg.Processing.NumCores <= 0 {
		cfg.Processing.NumCores = runtime.NumCPU()
	}
	logrus.WithFields(logrus.Fields{"config": configPath, "cores": cfg.Processing.NumCores}).Debug("configuration loaded")
	return nil
}

// sampler seeds the resampling generator from the configuration, or from
// the clock when no seed is set
func sampler() *stats.Sampler {
	seed := cfg.Processing.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logrus.WithField("seed", seed).Debug("resampling seed")
	return stats.NewSampler(seed)
}

func fiberThreshold() float32 {
	if fiberThr >= 0 {
		return float32(fiberThr)
	}
	return float32(cfg.Connectometry.FiberThreshold)
}

func normalized() bool {
	return normalize || cfg.Connectometry.Normalize
}

func newProgress() progress.Reporter {
	return progress.NewBar(os.Stderr)
}

// subjectName derives a subject name from its file name
func subjectName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// withStore opens path read-only, runs fn and closes the store
func withStore(path string, fn func(s store.ArrayStore) error) error {
	s, err := store.OpenHDF5(path)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// writeStore creates path, runs fn and closes the store, reporting the
// first error
func writeStore(path string, fn func(s store.ArrayStore) error) (err error) {
	s, err := store.CreateHDF5(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("error closing %s: %w", path, cerr)
		}
	}()
	return fn(s)
}
