package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/jeremyhahn/go-tpm-utility/pkg/logging"
	"github.com/jeremyhahn/go-tpm-utility/pkg/serializer"
	"github.com/jeremyhahn/go-tpm-utility/pkg/store/blob"
	"github.com/jeremyhahn/go-tpm-utility/pkg/store/keystore"
	"github.com/jeremyhahn/go-tpm-utility/pkg/tpm2"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

const (
	Name = "tpm-utility"

	envPrefix = "TPM_UTILITY"
)

var (
	ErrNotInitialized = errors.New("tpm-utility: application not initialized")
)

type App struct {
	BlobStore        blob.BlobStorer    `yaml:"-" json:"-" mapstructure:"-"`
	ConfigDir        string             `yaml:"config-dir" json:"config_dir" mapstructure:"config-dir"`
	DataDir          string             `yaml:"data-dir" json:"data_dir" mapstructure:"data-dir"`
	DebugFlag        bool               `yaml:"debug" json:"debug" mapstructure:"debug"`
	DebugSecretsFlag bool               `yaml:"debug-secrets" json:"debug-secrets" mapstructure:"debug-secrets"`
	FS               afero.Fs           `yaml:"-" json:"-" mapstructure:"-"`
	KeyStore         *keystore.KeyStore `yaml:"-" json:"-" mapstructure:"-"`
	KeyStoreFormat   string             `yaml:"key-store-format" json:"key_store_format" mapstructure:"key-store-format"`
	LogDir           string             `yaml:"log-dir" json:"log_dir" mapstructure:"log-dir"`
	Logger           *logging.Logger    `yaml:"-" json:"-" mapstructure:"-"`
	TPM              tpm2.TpmUtility    `yaml:"-" json:"-" mapstructure:"-"`
	TPMConfig        tpm2.Config        `yaml:"tpm" json:"tpm" mapstructure:"tpm"`
	logFile          afero.File         `yaml:"-" json:"-" mapstructure:"-"`
}

func NewApp() *App {
	return new(App)
}

type AppInitParams struct {
	ConfigDir    string
	DataDir      string
	Debug        bool
	DebugSecrets bool
	Env          string
	// File system holding the configuration, logs and key store. Defaults
	// to the operating system file system.
	FS     afero.Fs
	LogDir string
	// Optional TPM transport. When nil the transport described by the
	// tpm configuration section is opened.
	Transport transport.TPM
}

// Initialize the application by loading the configuration file,
// creating the logger and key store, and connecting to the TPM.
func (app *App) Init(initParams *AppInitParams) (*App, error) {
	if initParams == nil {
		initParams = &AppInitParams{}
	}
	app.FS = initParams.FS
	if app.FS == nil {
		app.FS = afero.NewOsFs()
	}
	app.ConfigDir = initParams.ConfigDir
	app.TPMConfig = *tpm2.DefaultConfig()

	if err := app.initConfig(initParams.Env); err != nil {
		return nil, err
	}

	// Override config file with init params
	if initParams.Debug {
		app.DebugFlag = true
	}
	if initParams.DebugSecrets {
		app.DebugSecretsFlag = true
	}
	if initParams.DataDir != "" {
		app.DataDir = initParams.DataDir
	}
	if initParams.LogDir != "" {
		app.LogDir = initParams.LogDir
	}
	if app.DataDir == "" {
		app.DataDir = "."
	}
	app.TPMConfig.DebugSecrets = app.TPMConfig.DebugSecrets || app.DebugSecretsFlag

	if err := app.initLogger(); err != nil {
		return nil, err
	}
	if err := app.initStores(); err != nil {
		return nil, err
	}
	if err := app.initTPM(initParams.Transport); err != nil {
		return nil, err
	}
	return app, nil
}

// Read and parse the configuration file. A missing configuration file is
// not an error; the defaults are used.
func (app *App) initConfig(env string) error {

	v := viper.New()
	v.SetFs(app.FS)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if app.ConfigDir != "" {
		v.AddConfigPath(app.ConfigDir)
	}
	v.AddConfigPath(fmt.Sprintf("/etc/%s/", Name))
	v.AddConfigPath(".")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		if env == "" {
			return nil
		}
		// Try to load a config based on the environment
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		if err := v.ReadInConfig(); err != nil {
			if errors.As(err, &notFound) {
				return nil
			}
			return err
		}
	}
	return v.Unmarshal(app)
}

// Creates a new STDOUT logger, also writing to a log file when a log
// directory is configured. If DebugFlag is set the logger is created in
// debug mode.
func (app *App) initLogger() error {
	level := slog.LevelInfo
	if app.DebugFlag {
		level = slog.LevelDebug
	}
	if app.LogDir != "" {
		f, err := app.InitLogFile()
		if err != nil {
			return err
		}
		app.logFile = f
	}
	app.Logger = logging.NewLogger(level, app.logFile)
	if app.DebugFlag {
		app.Logger.Debug("tpm-utility: configuration", slog.String("tpm", app.TPMConfig.String()))
	}
	return nil
}

// Opens, or creates, the application log file in LogDir
func (app *App) InitLogFile() (afero.File, error) {
	if err := app.FS.MkdirAll(app.LogDir, os.ModePerm); err != nil {
		return nil, err
	}
	logFile := filepath.Join(app.LogDir, Name+".log")
	return app.FS.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func (app *App) initStores() error {
	blobStore, err := blob.NewFSBlobStore(app.Logger, app.FS, app.DataDir, nil)
	if err != nil {
		return err
	}
	app.BlobStore = blobStore

	format := serializer.SERIALIZER_YAML
	if app.KeyStoreFormat != "" {
		format, err = serializer.ParseSerializerType(app.KeyStoreFormat)
		if err != nil {
			return err
		}
	}
	s, err := serializer.NewSerializer[*keystore.KeyRecord](format)
	if err != nil {
		return err
	}
	app.KeyStore = keystore.NewKeyStore(app.Logger, blobStore, s)
	return nil
}

func (app *App) initTPM(t transport.TPM) error {
	utility, err := tpm2.NewUtility(&tpm2.Params{
		Config:    &app.TPMConfig,
		Logger:    app.Logger,
		Transport: t,
	})
	if err != nil {
		app.Logger.Error(err)
		return err
	}
	app.TPM = utility
	return nil
}

// Starts the TPM, performs the platform bring-up and takes ownership with
// the provided hierarchy passwords.
func (app *App) Provision(owner, endorsement, lockout keystore.Password) error {
	if app.TPM == nil {
		return ErrNotInitialized
	}
	if err := app.TPM.Startup(); err != nil {
		return err
	}
	if err := app.TPM.InitializeTpm(); err != nil {
		return err
	}
	return app.TPM.TakeOwnership(owner, endorsement, lockout)
}

// Creates an RSA key under the storage root key and saves its blob to the
// key store under name. The key is not loaded.
func (app *App) CreateKey(
	name string,
	usage tpm2.AsymmetricKeyUsage,
	modulusBits int,
	password keystore.Password,
	opts ...tpm2.KeyOption) (*keystore.KeyRecord, error) {

	if app.TPM == nil {
		return nil, ErrNotInitialized
	}
	keyBlob, err := app.TPM.CreateRSAKeyPair(usage, modulusBits, 0, password, opts...)
	if err != nil {
		return nil, err
	}
	record := &keystore.KeyRecord{
		Name:        name,
		Usage:       usage.String(),
		ModulusBits: modulusBits,
		Blob:        keyBlob,
	}
	if err := app.KeyStore.Save(record, false); err != nil {
		return nil, err
	}
	app.Logger.Info("tpm-utility: created key",
		slog.String("name", name),
		slog.String("usage", record.Usage))
	return record, nil
}

// Loads the named key from the key store into the TPM.
func (app *App) LoadKey(name string) (tpm2.Handle, error) {
	if app.TPM == nil {
		return tpm2.Handle{}, ErrNotInitialized
	}
	record, err := app.KeyStore.Get(name)
	if err != nil {
		return tpm2.Handle{}, err
	}
	return app.TPM.LoadKey(record.Blob)
}

// Deletes the named key from the key store.
func (app *App) DeleteKey(name string) error {
	if app.KeyStore == nil {
		return ErrNotInitialized
	}
	return app.KeyStore.Delete(name)
}

// Returns an io.Reader backed by the TPM random number generator
func (app *App) Random() io.Reader {
	return app.TPM
}

// Closes the TPM and the log file
func (app *App) Close() error {
	var errs []error
	if app.TPM != nil {
		errs = append(errs, app.TPM.Close())
	}
	if app.logFile != nil {
		errs = append(errs, app.logFile.Close())
	}
	return errors.Join(errs...)
}
