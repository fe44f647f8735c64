package cli

import (
	"os"
	"path/filepath"
)

// Paths locates the per-app directories under ~/.respsel.
type Paths struct {
	AppName string
	HomeDir string
}

// NewPaths returns the Paths of appName rooted at the user's home.
func NewPaths(appName string) (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Paths{
		AppName: appName,
		HomeDir: home,
	}, nil
}

// BaseDir returns ~/.respsel.
func (p *Paths) BaseDir() string {
	return filepath.Join(p.HomeDir, DefaultBaseDir)
}

// AppDir returns ~/.respsel/<app>.
func (p *Paths) AppDir() string {
	return filepath.Join(p.BaseDir(), p.AppName)
}

// ConfigFile returns ~/.respsel/<app>/config.yaml.
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.AppDir(), DefaultConfigFile)
}

// DataDir returns ~/.respsel/<app>/data.
func (p *Paths) DataDir() string {
	return filepath.Join(p.AppDir(), "data")
}

// ModelsDir returns ~/.respsel/<app>/models, the default artifact store.
func (p *Paths) ModelsDir() string {
	return filepath.Join(p.AppDir(), "models")
}

// MetricsDB returns the default training metrics database directory.
func (p *Paths) MetricsDB() string {
	return p.DataPath("metrics")
}

// DataPath returns a path within the data directory.
func (p *Paths) DataPath(name string) string {
	return filepath.Join(p.DataDir(), name)
}

// EnsureDataDir creates the data directory.
func (p *Paths) EnsureDataDir() error {
	return os.MkdirAll(p.DataDir(), 0755)
}

// EnsureModelsDir creates the models directory.
func (p *Paths) EnsureModelsDir() error {
	return os.MkdirAll(p.ModelsDir(), 0755)
}
