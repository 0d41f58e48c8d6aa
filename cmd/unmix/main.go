package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pborman/getopt"
	"github.com/setanarut/unmix"
	"github.com/setanarut/unmix/render"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

func main() {
	options := getopt.New()

	optInput := options.StringLong("input", 'i', "", "CSV whose first row is the feature axis, remaining rows samples")
	optComponents := options.IntLong("components", 'k', 2, "number of basis rows to extract")
	optMaxIter := options.IntLong("max-iter", 0, 200, "iteration cap for the factorization")
	optTol := options.StringLong("tol", 0, "1e-4", "projected-gradient tolerance")
	optFilter := options.StringLong("filter", 'f', "nmf", "reduction before factorizing: none, pca, nmf, shallow-ae, deep-ae")
	optFilterComp := options.IntLong("filter-components", 0, 6, "rank of the reduction")
	optSeed := options.IntLong("seed", 0, 42, "seed for every stochastic step")
	optWeights := options.StringLong("weights", 'w', "", "region weights over the axis, e.g. \"800-1000:0.25,1200-1300:0\"")
	optDenoise := options.IntLong("denoise", 0, 0, "SVD denoise rank, 0 disables")
	optKMeans := options.BoolLong("kmeans-init", 0, "seed the basis from k-means centroids")
	optWorkers := options.IntLong("workers", 0, 0, "goroutines for per-sample regressions, 0 means NumCPU")
	optRegress := options.StringLong("regress", 'r', "", "CSV of new samples to regress onto the fitted basis (same format as INPUT)")
	optOut := options.StringLong("out", 'o', ".", "output directory")
	optVerbose := options.BoolLong("verbose", 'v', "log progress")
	optHelp := options.BoolLong("help", 'h', "print help")

	options.SetParameters("")
	options.Parse(os.Args)

	if *optHelp {
		options.PrintUsage(os.Stdout)
		os.Exit(0)
	}
	if *optInput == "" {
		options.PrintUsage(os.Stdout)
		os.Exit(1)
	}

	tol, err := strconv.ParseFloat(*optTol, 64)
	if err != nil {
		log.Fatalf("--tol: %v", err)
	}
	algorithm, err := parseFilterName(*optFilter)
	if err != nil {
		log.Fatal(err)
	}

	params := unmix.DefaultParams()
	params.Components = *optComponents
	params.MaxIter = *optMaxIter
	params.Tol = tol
	params.Filter.Algorithm = algorithm
	params.Filter.FilterComponents = *optFilterComp
	params.Filter.RandomSeed = uint64(*optSeed)
	params.RegionWeights = *optWeights
	params.DenoiseRank = *optDenoise
	params.InitKMeans = *optKMeans
	params.Workers = *optWorkers
	if *optVerbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			log.Fatal(err)
		}
		defer logger.Sync()
		params.Logger = logger
	}

	axis, x, err := readMatrixCSV(*optInput)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(*optOut, 0o755); err != nil {
		log.Fatal(err)
	}

	result, err := unmix.FitStandard(x, axis, params)
	if err != nil {
		log.Fatal(err)
	}
	for _, w := range result.Report.Warnings {
		log.Printf("warning: %s: %s", w.Code, w.Message)
	}
	fmt.Printf("converged=%v iterations=%d residual=%g\n",
		result.Report.Converged, result.Report.Iterations, result.Report.Residual)

	if err := writeComponentsCSV(filepath.Join(*optOut, "components.csv"), axis, result.HOriginal); err != nil {
		log.Fatal(err)
	}
	if err := writeMatrixCSV(filepath.Join(*optOut, "weights.csv"), result.W); err != nil {
		log.Fatal(err)
	}
	if err := savePlots(*optOut, result.HOriginal, axis, result.W); err != nil {
		log.Fatal(err)
	}

	if *optRegress != "" {
		_, xt, err := readMatrixCSV(*optRegress)
		if err != nil {
			log.Fatal(err)
		}
		reg, err := unmix.RegressFixed(xt, result.Session())
		if err != nil {
			log.Fatal(err)
		}
		for _, w := range reg.Report.Warnings {
			log.Printf("warning: %s: %s", w.Code, w.Message)
		}
		if err := writeMatrixCSV(filepath.Join(*optOut, "regress_weights.csv"), reg.W); err != nil {
			log.Fatal(err)
		}
		img, err := render.Weights(reg.W, render.DefaultOptions())
		if err != nil {
			log.Fatal(err)
		}
		if err := render.SavePNG(img, filepath.Join(*optOut, "regress_weights.png")); err != nil {
			log.Fatal(err)
		}
	}
}

func parseFilterName(name string) (unmix.FilterAlgorithm, error) {
	switch name {
	case "none":
		return unmix.FilterNone, nil
	case "pca":
		return unmix.FilterPCA, nil
	case "nmf":
		return unmix.FilterNMF, nil
	case "shallow-ae":
		return unmix.FilterShallowAE, nil
	case "deep-ae":
		return unmix.FilterDeepAE, nil
	}
	return unmix.FilterNone, fmt.Errorf("--filter: unknown reduction %q", name)
}

// readMatrixCSV reads a CSV whose first row is the feature axis and whose
// remaining rows are samples.
func readMatrixCSV(path string) ([]float64, *mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, nil, fmt.Errorf("%s: need an axis row and at least one sample row", path)
	}
	axis, err := parseFloatRow(records[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%s row 1: %w", path, err)
	}
	data := make([]float64, 0, (len(records)-1)*len(axis))
	for i, rec := range records[1:] {
		if len(rec) != len(axis) {
			return nil, nil, fmt.Errorf("%s row %d: got %d values, want %d", path, i+2, len(rec), len(axis))
		}
		row, err := parseFloatRow(rec)
		if err != nil {
			return nil, nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		data = append(data, row...)
	}
	return axis, mat.NewDense(len(records)-1, len(axis), data), nil
}

func parseFloatRow(rec []string) ([]float64, error) {
	row := make([]float64, len(rec))
	for i, s := range rec {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i+1, err)
		}
		row[i] = v
	}
	return row, nil
}

// writeComponentsCSV writes the axis as the first row and one basis row per
// line after it.
func writeComponentsCSV(path string, axis []float64, h *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(formatFloatRow(axis)); err != nil {
		return err
	}
	k, _ := h.Dims()
	for i := range k {
		if err := w.Write(formatFloatRow(h.RawRowView(i))); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeMatrixCSV(path string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	n, _ := m.Dims()
	for i := range n {
		if err := w.Write(formatFloatRow(m.RawRowView(i))); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatFloatRow(row []float64) []string {
	out := make([]string, len(row))
	for i, v := range row {
		out[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return out
}

func savePlots(dir string, h *mat.Dense, axis []float64, w *mat.Dense) error {
	img, err := render.Components(h, axis, render.DefaultOptions())
	if err != nil {
		return err
	}
	if err := render.SavePNG(img, filepath.Join(dir, "components.png")); err != nil {
		return err
	}
	opt := render.DefaultOptions()
	opt.Width, opt.Height = 600, 360
	img, err = render.Weights(w, opt)
	if err != nil {
		return err
	}
	return render.SavePNG(img, filepath.Join(dir, "weights.png"))
}
