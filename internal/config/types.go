package config

import (
	types "SkyCount/pkg"
)

type Config struct {
	Server    types.ServerConfig    `mapstructure:"server" json:"server"`
	Database  DatabaseConfig        `mapstructure:"database" json:"database"`
	Pipeline  types.PipelineConfig  `mapstructure:"pipeline" json:"pipeline"`
	Storage   types.StorageConfig   `mapstructure:"storage" json:"storage"`
	Annotator types.AnnotatorConfig `mapstructure:"annotator" json:"annotator"`
	Session   types.SessionConfig   `mapstructure:"session" json:"session"`
	Temporal  types.TemporalConfig  `mapstructure:"temporal" json:"temporal"`
	Tracing   types.TracingConfig   `mapstructure:"tracing" json:"tracing"`
	Logging   types.LoggingConfig   `mapstructure:"logging" json:"logging"`
}

// DatabaseConfig selects the job store. Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" json:"driver"`
	DSN    string `mapstructure:"dsn" json:"dsn"`
}
