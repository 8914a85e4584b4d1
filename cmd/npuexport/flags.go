package main

import "github.com/urfave/cli/v3"

var (
	configFile string
	modelDir   string
	dataDir    string
	workDir    string
	includeDir string
	logLevel   string
	logFormat  string
	debug      bool
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default $XDG_CONFIG_HOME/npuexport/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "model-dir",
			Usage:       "trained float model directory (model.json + model.safetensors)",
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "directory holding the IDX train and t10k splits",
			Destination: &dataDir,
		},
		&cli.StringFlag{
			Name:        "work-dir",
			Usage:       "directory for the blob, params, test vector and run report (env " + envWorkDir + ")",
			Destination: &workDir,
		},
		&cli.StringFlag{
			Name:        "include-dir",
			Usage:       "directory for the generated C headers (env " + envIncludeDir + ")",
			Destination: &includeDir,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// calibration flags shared by quantize and pipeline.
var (
	calibCount    int
	calibSeed     uint64
	calibStrategy string
	testIndex     int
	modelName     string
)

func calibrationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "calib-count",
			Usage:       "number of calibration images",
			Value:       200,
			Destination: &calibCount,
		},
		&cli.Uint64Flag{
			Name:        "calib-seed",
			Usage:       "calibration sampling seed",
			Value:       42,
			Destination: &calibSeed,
		},
		&cli.StringFlag{
			Name:        "calib-strategy",
			Usage:       "calibration sampling strategy (uniform, head)",
			Value:       "uniform",
			Destination: &calibStrategy,
		},
		&cli.IntFlag{
			Name:        "test-index",
			Usage:       "test example shipped in test_data.h",
			Destination: &testIndex,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "model name recorded in the blob",
			Destination: &modelName,
		},
	}
}

// validation flags shared by validate, quantize and pipeline.
var (
	validationLimit int
	minAccuracy     float64
	noFloat         bool
)

func validationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "score only the first N test images (0 = all)",
			Value:       1000,
			Destination: &validationLimit,
		},
		&cli.Float64Flag{
			Name:        "min-accuracy",
			Usage:       "fail when int8 accuracy is below this fraction (0 disables)",
			Destination: &minAccuracy,
		},
		&cli.BoolFlag{
			Name:        "no-float",
			Usage:       "skip the float reference comparison",
			Destination: &noFloat,
		},
	}
}

// optimizer flags shared by optimize and pipeline.
var (
	velaBinary  string
	accelerator string
	velaOutDir  string
)

func optimizerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "vela",
			Usage:       "path or name of the vela binary (empty disables the optimizer)",
			Destination: &velaBinary,
		},
		&cli.StringFlag{
			Name:        "accelerator",
			Usage:       "vela --accelerator-config value",
			Value:       "ethos-u55-128",
			Destination: &accelerator,
		},
		&cli.StringFlag{
			Name:        "vela-output-dir",
			Usage:       "directory for the optimized blob (default <work-dir>/vela_output)",
			Destination: &velaOutDir,
		},
	}
}
