package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dwistudio/pkg/calibration"
	"dwistudio/pkg/dwi"
	"dwistudio/pkg/preprocess"
	"dwistudio/pkg/store"
)

func loadAcquisition(path string) (*dwi.VolumeSet, error) {
	var vs *dwi.VolumeSet
	err := withStore(path, func(s store.ArrayStore) error {
		var err error
		vs, err = dwi.Load(s)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return vs, nil
}

func runPreprocess(cmd *cobra.Command, args []string) error {
	src, out := args[0], args[1]
	log := logrus.WithField("src", src)

	vs, err := loadAcquisition(src)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"dim": vs.Geometry.Dim, "images": len(vs.DWI), "scheme": vs.Shells().Scheme()}).Info("acquisition loaded")

	params := &preprocess.Params{
		Workers:           cfg.Processing.NumCores,
		CorrectDistortion: cfg.Distortion.Enabled,
		CheckBTable:       cfg.Calibration.Enabled,
		Calibration: calibration.Params{
			AnisotropyFraction: cfg.Calibration.AnisotropyFraction,
			ConnectivityCosine: cfg.Calibration.ConnectivityCosine,
		},
		RemoveBackground: removeBackground,
		Trim:             trim,
	}
	if voxelSize > 0 {
		params.VoxelSize = [3]float64{voxelSize, voxelSize, voxelSize}
	}
	if partnerPath != "" {
		if params.Partner, err = loadAcquisition(partnerPath); err != nil {
			return err
		}
	}
	if fibPath != "" {
		fib, err := store.OpenHDF5(fibPath)
		if err != nil {
			return err
		}
		defer fib.Close()
		params.Fitter = calibration.StoredFitter{Store: fib}
	}

	p := preprocess.NewPipeline(params)
	p.SetLogger(log)
	p.SetProgress(newProgress())
	if err := p.Process(cmd.Context(), vs); err != nil {
		return err
	}

	if err := writeStore(out, vs.Save); err != nil {
		return fmt.Errorf("failed to save %s: %w", out, err)
	}

	m := p.GetMetrics()
	fmt.Printf("Preprocessing completed in %.2f seconds\n", m.Duration.Seconds())
	fmt.Printf("Neighboring DWI correlation: %.4f\n", m.NeighborCorrelation)
	if m.Distortion != nil {
		fmt.Printf("Distortion corrected along %s\n", m.Distortion.Axis)
	}
	if c := m.Calibration; c != nil {
		if c.Applied {
			fmt.Printf("b-table corrected by %s\n", c.Label)
		} else {
			fmt.Println("b-table orientation unchanged")
		}
	}
	fmt.Printf("Output saved to: %s\n", out)
	return nil
}
