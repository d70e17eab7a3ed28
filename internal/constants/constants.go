package constants

import "time"

// Build layout
const (
	DefaultBuildDir      = ".build"
	DefaultPipelineFile  = "stagebuild.yaml"
	DefaultConfigFile    = "stagebuild.config.yaml"
	ManifestFileName     = "manifest.db"
	LockFileName         = ".stagebuild.lock"
	StagesDirName        = "stages"
	LogsDirName          = "logs"
	ConfigurationDebug   = "debug"
	ConfigurationRelease = "release"
)

// Stage groups
const (
	GroupBuild   = "build"
	GroupTest    = "test"
	GroupInstall = "install"
)

// Execution defaults
const (
	DefaultStageTimeout = 2 * time.Hour
	// DefaultCaptureLimit bounds the in-memory tail of each captured stream.
	DefaultCaptureLimit = 64 * 1024
	// ExitCodeConfiguration is returned for configuration and cycle errors.
	ExitCodeConfiguration = 2
	// ExitCodeCanceled follows the shell convention for SIGINT.
	ExitCodeCanceled = 130
)

// Database Constants
const (
	DefaultPostgresPort    = 5432
	DefaultPostgresSSLMode = "disable"

	DefaultPostgresMaxConnections = 10
	DefaultPostgresMaxIdleConns   = 2
	DefaultSQLiteMaxConnections   = 1 // SQLite allows only one writer
	DefaultSQLiteMaxIdleConns     = 1
	DefaultSQLiteBusyTimeoutMS    = 5000

	DefaultStageRecordsTable   = "stage_records"
	DefaultStageArtifactsTable = "stage_artifacts"

	StageRecordsSuffix   = "_stage_records"
	StageArtifactsSuffix = "_stage_artifacts"
)

// Connection pool lifetimes
const (
	DefaultMaxConnLifetime = 5 * time.Minute
	DefaultMaxIdleTime     = 1 * time.Minute
	DefaultSQLiteLifetime  = 10 * time.Minute
	DefaultSQLiteIdleTime  = 5 * time.Minute
)

// Variables the executor and session place in stage environments
const (
	EnvConfiguration   = "CONFIGURATION"
	EnvBuildDir        = "BUILD_DIR"
	EnvPrefix          = "PREFIX"
	EnvInstallPrefixes = "INSTALL_PREFIXES"
	EnvStageOutputDir  = "STAGE_OUTPUT_DIR"
	EnvStageName       = "STAGE_NAME"
	EnvPath            = "PATH"
)
