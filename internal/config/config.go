// Package config loads mediaopt settings from a TOML file layered over code
// defaults, applies MEDIAOPT_* environment overrides and converts the result
// into the configuration types of the individual components.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"mediaopt/internal/tips"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Factor is one supplement: its dosing window, reagent source well and
// starting volume.
type Factor struct {
	Name       string  `toml:"name"`
	Min        int     `toml:"min"`
	Max        int     `toml:"max"`
	SourceWell string  `toml:"source_well"`
	Start      float64 `toml:"start"`
}

// Well describes the assay wells and the filler reservoir.
type Well struct {
	Volume     int
	MinFiller  int
	Step       int
	FillerWell string
	Rows       []string
}

// Tips configures the tip model.
type Tips struct {
	Classes  []tips.Class
	Reusable []string
}

// Storage selects the run-history backend.
type Storage struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// S3 holds archive bucket settings.
type S3 struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// Archive selects the artifact backend. An empty driver disables archiving.
type Archive struct {
	Driver string
	FSRoot string
	S3     S3
}

// Simulator tunes the in-process workcell used by `mediaopt simulate`.
type Simulator struct {
	Seed         int64
	RunningPolls int
	Noise        float64
}

// Config is the full mediaopt configuration.
type Config struct {
	PlateBarcode  string
	DefinitionID  string
	ReagentType   string
	Iterations    int
	Delta         int
	LearningRate  float64
	PollInterval  time.Duration
	Timeout       time.Duration
	FirstColumn   int
	MaxColumns    int
	Seeding       bool
	MaxTransfers  int
	MissingPolicy string
	LockDir       string

	Well      Well
	Factors   []Factor
	Tips      Tips
	Storage   Storage
	Archive   Archive
	Simulator Simulator
}

// Default returns the built-in configuration: three factors on a 180 uL well
// with a 90 uL filler floor, five iterations, learning rate 5 and a 10 uL
// perturbation.
func Default() Config {
	return Config{
		ReagentType:   "Media",
		Iterations:    5,
		Delta:         10,
		LearningRate:  5,
		PollInterval:  30 * time.Second,
		Timeout:       180 * time.Minute,
		FirstColumn:   2,
		MaxColumns:    12,
		Seeding:       true,
		MaxTransfers:  30,
		MissingPolicy: "zero",
		LockDir:       os.TempDir(),
		Well: Well{
			Volume:     180,
			MinFiller:  90,
			Step:       10,
			FillerWell: "D1",
			Rows:       []string{"A", "B", "C", "D", "E", "F", "G", "H"},
		},
		Factors: []Factor{
			{Name: "Glucose", Min: 1, Max: 90, SourceWell: "A1", Start: 20},
			{Name: "NaCl", Min: 1, Max: 90, SourceWell: "B1", Start: 10},
			{Name: "MgSO4", Min: 1, Max: 90, SourceWell: "C1", Start: 15},
		},
		Tips: Tips{
			Classes:  tips.DefaultClasses(),
			Reusable: []string{"D1"},
		},
		Storage: Storage{Driver: "sqlite", SQLitePath: "mediaopt.db"},
		Archive: Archive{FSRoot: "./artifacts"},
		Simulator: Simulator{
			Seed:         1,
			RunningPolls: 3,
			Noise:        0.01,
		},
	}
}

type fileConfig struct {
	PlateBarcode  string  `toml:"plate_barcode"`
	DefinitionID  string  `toml:"definition_id"`
	ReagentType   string  `toml:"reagent_type"`
	Iterations    int     `toml:"iterations"`
	Delta         int     `toml:"delta"`
	LearningRate  float64 `toml:"learning_rate"`
	PollInterval  string  `toml:"poll_interval"`
	Timeout       string  `toml:"timeout"`
	FirstColumn   int     `toml:"first_column"`
	MaxColumns    int     `toml:"max_columns"`
	Seeding       bool    `toml:"seeding"`
	MaxTransfers  int     `toml:"max_transfers"`
	MissingPolicy string  `toml:"missing_policy"`
	LockDir       string  `toml:"lock_dir"`

	Well struct {
		Volume     int      `toml:"volume"`
		MinFiller  int      `toml:"min_filler"`
		Step       int      `toml:"reduction_step"`
		FillerWell string   `toml:"filler_well"`
		Rows       []string `toml:"rows"`
	} `toml:"well"`

	Factors []Factor `toml:"factors"`

	Tips struct {
		Classes []struct {
			Name      string `toml:"name"`
			MaxVolume int    `toml:"max_volume"`
		} `toml:"classes"`
		Reusable []string `toml:"reusable"`
	} `toml:"tips"`

	Storage struct {
		Driver      string `toml:"driver"`
		SQLitePath  string `toml:"sqlite_path"`
		PostgresDSN string `toml:"postgres_dsn"`
	} `toml:"storage"`

	Archive struct {
		Driver string `toml:"driver"`
		FSRoot string `toml:"fs_root"`
		S3     struct {
			Bucket          string `toml:"bucket"`
			Region          string `toml:"region"`
			Prefix          string `toml:"prefix"`
			Endpoint        string `toml:"endpoint"`
			AccessKeyID     string `toml:"access_key_id"`
			SecretAccessKey string `toml:"secret_access_key"`
			PathStyle       bool   `toml:"path_style"`
		} `toml:"s3"`
	} `toml:"archive"`

	Simulator struct {
		Seed         int64   `toml:"seed"`
		RunningPolls int     `toml:"running_polls"`
		Noise        float64 `toml:"noise"`
	} `toml:"simulator"`
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %s in %s", ErrInvalid, undecoded[0], path)
	}

	if meta.IsDefined("plate_barcode") {
		cfg.PlateBarcode = strings.TrimSpace(raw.PlateBarcode)
	}
	if meta.IsDefined("definition_id") {
		cfg.DefinitionID = strings.TrimSpace(raw.DefinitionID)
	}
	if meta.IsDefined("reagent_type") {
		cfg.ReagentType = strings.TrimSpace(raw.ReagentType)
	}
	if meta.IsDefined("iterations") {
		cfg.Iterations = raw.Iterations
	}
	if meta.IsDefined("delta") {
		cfg.Delta = raw.Delta
	}
	if meta.IsDefined("learning_rate") {
		cfg.LearningRate = raw.LearningRate
	}
	if meta.IsDefined("poll_interval") {
		d, err := time.ParseDuration(raw.PollInterval)
		if err != nil {
			return fmt.Errorf("%w: poll_interval: %v", ErrInvalid, err)
		}
		cfg.PollInterval = d
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("%w: timeout: %v", ErrInvalid, err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("first_column") {
		cfg.FirstColumn = raw.FirstColumn
	}
	if meta.IsDefined("max_columns") {
		cfg.MaxColumns = raw.MaxColumns
	}
	if meta.IsDefined("seeding") {
		cfg.Seeding = raw.Seeding
	}
	if meta.IsDefined("max_transfers") {
		cfg.MaxTransfers = raw.MaxTransfers
	}
	if meta.IsDefined("missing_policy") {
		cfg.MissingPolicy = strings.TrimSpace(raw.MissingPolicy)
	}
	if meta.IsDefined("lock_dir") {
		cfg.LockDir = strings.TrimSpace(raw.LockDir)
	}

	if meta.IsDefined("well", "volume") {
		cfg.Well.Volume = raw.Well.Volume
	}
	if meta.IsDefined("well", "min_filler") {
		cfg.Well.MinFiller = raw.Well.MinFiller
	}
	if meta.IsDefined("well", "reduction_step") {
		cfg.Well.Step = raw.Well.Step
	}
	if meta.IsDefined("well", "filler_well") {
		cfg.Well.FillerWell = strings.TrimSpace(raw.Well.FillerWell)
	}
	if meta.IsDefined("well", "rows") {
		cfg.Well.Rows = raw.Well.Rows
	}

	if meta.IsDefined("factors") {
		cfg.Factors = raw.Factors
	}

	if meta.IsDefined("tips", "classes") {
		classes := make([]tips.Class, len(raw.Tips.Classes))
		for i, c := range raw.Tips.Classes {
			classes[i] = tips.Class{Name: c.Name, MaxVolume: c.MaxVolume}
		}
		cfg.Tips.Classes = classes
	}
	if meta.IsDefined("tips", "reusable") {
		cfg.Tips.Reusable = raw.Tips.Reusable
	}

	if meta.IsDefined("storage", "driver") {
		cfg.Storage.Driver = strings.TrimSpace(raw.Storage.Driver)
	}
	if meta.IsDefined("storage", "sqlite_path") {
		cfg.Storage.SQLitePath = strings.TrimSpace(raw.Storage.SQLitePath)
	}
	if meta.IsDefined("storage", "postgres_dsn") {
		cfg.Storage.PostgresDSN = strings.TrimSpace(raw.Storage.PostgresDSN)
	}

	if meta.IsDefined("archive", "driver") {
		cfg.Archive.Driver = strings.TrimSpace(raw.Archive.Driver)
	}
	if meta.IsDefined("archive", "fs_root") {
		cfg.Archive.FSRoot = strings.TrimSpace(raw.Archive.FSRoot)
	}
	if meta.IsDefined("archive", "s3") {
		s := raw.Archive.S3
		cfg.Archive.S3 = S3{
			Bucket:          s.Bucket,
			Region:          s.Region,
			Prefix:          s.Prefix,
			Endpoint:        s.Endpoint,
			AccessKeyID:     s.AccessKeyID,
			SecretAccessKey: s.SecretAccessKey,
			PathStyle:       s.PathStyle,
		}
	}

	if meta.IsDefined("simulator", "seed") {
		cfg.Simulator.Seed = raw.Simulator.Seed
	}
	if meta.IsDefined("simulator", "running_polls") {
		cfg.Simulator.RunningPolls = raw.Simulator.RunningPolls
	}
	if meta.IsDefined("simulator", "noise") {
		cfg.Simulator.Noise = raw.Simulator.Noise
	}
	return nil
}

// applyEnv overlays MEDIAOPT_* variables. Storage and archive settings are
// the ones deployments usually inject.
func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("MEDIAOPT_PLATE_BARCODE", &cfg.PlateBarcode)
	str("MEDIAOPT_DEFINITION_ID", &cfg.DefinitionID)
	str("MEDIAOPT_STORAGE_DRIVER", &cfg.Storage.Driver)
	str("MEDIAOPT_SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("MEDIAOPT_POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	str("MEDIAOPT_ARCHIVE_DRIVER", &cfg.Archive.Driver)
	str("MEDIAOPT_ARCHIVE_FS_ROOT", &cfg.Archive.FSRoot)
	str("MEDIAOPT_ARCHIVE_S3_BUCKET", &cfg.Archive.S3.Bucket)
	str("MEDIAOPT_ARCHIVE_S3_REGION", &cfg.Archive.S3.Region)
	str("MEDIAOPT_ARCHIVE_S3_PREFIX", &cfg.Archive.S3.Prefix)
	str("MEDIAOPT_ARCHIVE_S3_ENDPOINT", &cfg.Archive.S3.Endpoint)
	str("MEDIAOPT_ARCHIVE_S3_ACCESS_KEY_ID", &cfg.Archive.S3.AccessKeyID)
	str("MEDIAOPT_ARCHIVE_S3_SECRET_ACCESS_KEY", &cfg.Archive.S3.SecretAccessKey)
	str("MEDIAOPT_LOCK_DIR", &cfg.LockDir)
	if v, ok := os.LookupEnv("MEDIAOPT_ARCHIVE_S3_PATH_STYLE"); ok {
		cfg.Archive.S3.PathStyle = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	if v, ok := os.LookupEnv("MEDIAOPT_ITERATIONS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: MEDIAOPT_ITERATIONS: %v", ErrInvalid, err)
		}
		cfg.Iterations = n
	}
	return nil
}
