package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	defaultConfigPath = "~/.config/cellflow/config.json"
	defaultRoot       = "~/CellFlow"
	defaultParallel   = 2
)

// Config holds user-editable settings for cellflow.
type Config struct {
	Paths      Paths      `json:"paths"`
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Archive    Archive    `json:"archive"`
	Server     Server     `json:"server"`
	Video      Video      `json:"video"`
}

// Paths configures the data root and the job database.
type Paths struct {
	Root         string `json:"root"`
	DatabasePath string `json:"database_path"` // defaults to <root>/cellflow.db
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"` // stacks processed concurrently
	Workers      int    `json:"workers"`       // frame workers per stage, 0 = NumCPU
	Channels     int    `json:"channels"`      // channels per decoded stack
	FlowChannels [2]int `json:"flow_channels"` // channels combined into the motion artifact
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Archive configures optional mirroring of artifacts to object storage.
type Archive struct {
	S3 S3Archive `json:"s3"`
}

type S3Archive struct {
	Enabled   bool   `json:"enabled"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"` // optional, e.g. MinIO
	Prefix    string `json:"prefix"`
	PathStyle bool   `json:"path_style"`
}

// Server configures the HTTP and gRPC listeners of `cellflow serve`.
type Server struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Video controls rendering of stored stacks and motion fields.
type Video struct {
	FPS    int    `json:"fps"`
	Step   int    `json:"step"` // arrow spacing in pixels
	FFmpeg string `json:"ffmpeg"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("CELLFLOW_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg.finalize()
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg.finalize()
}

// Default returns the built-in configuration rooted at root.
func Default(root string) *Config {
	cfg := defaultConfig()
	cfg.Paths.Root = root
	cfg.Paths.DatabasePath = ""
	cfg.Logging.FileOutput = false
	out, _ := cfg.finalize()
	return out
}

func defaultConfig() *Config {
	return &Config{
		Paths: Paths{
			Root: defaultRoot,
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			Workers:      0,
			Channels:     3,
			FlowChannels: [2]int{1, 2},
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Archive: Archive{
			S3: S3Archive{Region: "us-east-1"},
		},
		Server: Server{
			Addr:     ":8090",
			GRPCAddr: ":8091",
		},
		Video: Video{
			FPS:    10,
			Step:   20,
			FFmpeg: "ffmpeg",
		},
	}
}

// finalize applies environment overrides and derived defaults.
func (c *Config) finalize() (*Config, error) {
	if root := os.Getenv("CELLFLOW_ROOT"); root != "" {
		c.Paths.Root = root
	}
	root, err := expandUser(c.Paths.Root)
	if err != nil {
		return nil, err
	}
	c.Paths.Root = root
	if c.Paths.DatabasePath == "" {
		c.Paths.DatabasePath = filepath.Join(root, "cellflow.db")
	} else if c.Paths.DatabasePath, err = expandUser(c.Paths.DatabasePath); err != nil {
		return nil, err
	}
	if c.Processing.ParallelJobs < 1 {
		c.Processing.ParallelJobs = 1
	}
	if c.Processing.Workers <= 0 {
		c.Processing.Workers = runtime.NumCPU()
	}
	if c.Processing.Channels <= 0 {
		c.Processing.Channels = 3
	}
	for _, ch := range c.Processing.FlowChannels {
		if ch < 0 || ch >= c.Processing.Channels {
			return nil, fmt.Errorf("flow channel %d outside [0,%d)", ch, c.Processing.Channels)
		}
	}
	if c.Video.FPS <= 0 {
		c.Video.FPS = 10
	}
	if c.Video.Step <= 0 {
		c.Video.Step = 20
	}
	return c, nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
