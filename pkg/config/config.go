// Package config loads and saves the binmap configuration file.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".binmap"
	configFile string = "config.yml"

	// libraryPathEnv names additional library search directories,
	// separated by the OS path list separator.
	libraryPathEnv = "BINMAP_LIBRARY_PATH"
)

// Config defines all configuration options available to be set through
// the config file.
type Config struct {
	// SearchPaths is the list of directories searched for dependency
	// libraries when auto-loading is enabled.
	SearchPaths []string `yaml:"search-paths"`
	// AutoLoadLibs controls whether dependencies named in an image's
	// import table are located and loaded automatically.
	AutoLoadLibs *bool `yaml:"auto-load-libs,omitempty"`
}

// LoadConfig attempts to populate a Config object from the config.yml
// file. Directories from BINMAP_LIBRARY_PATH are appended to the
// configured search paths.
func LoadConfig() *Config {
	conf := &Config{}
	if err := createConfigPath(); err != nil {
		fmt.Fprintf(os.Stderr, "could not create config directory: %v\n", err)
		return withEnvPaths(conf)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to get config file path: %v\n", err)
		return withEnvPaths(conf)
	}

	data, err := ioutil.ReadFile(fullConfigFile)
	if err != nil {
		if err := writeDefaultConfig(fullConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "error creating default config file: %v\n", err)
		}
		return withEnvPaths(conf)
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		fmt.Fprintf(os.Stderr, "unable to decode config file: %v\n", err)
	}
	return withEnvPaths(conf)
}

// AutoLoad reports the effective auto-load setting; it defaults to true
// when the config file does not set it.
func (c *Config) AutoLoad() bool {
	if c.AutoLoadLibs == nil {
		return true
	}
	return *c.AutoLoadLibs
}

func withEnvPaths(conf *Config) *Config {
	extra := env.Str(libraryPathEnv)
	if extra == "" {
		return conf
	}
	for _, dir := range filepath.SplitList(extra) {
		if dir != "" {
			conf.SearchPaths = append(conf.SearchPaths, dir)
		}
	}
	return conf
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(fullConfigFile, out, 0644)
}

func writeDefaultConfig(fullConfigFile string) error {
	return ioutil.WriteFile(fullConfigFile, []byte(defaultConfig), 0644)
}

const defaultConfig = `# Configuration file for binmap.

# Directories searched for dependency libraries.
# search-paths:
# - /path/to/dlls

# Uncomment to disable automatic loading of dependencies.
# auto-load-libs: false
`

// GetConfigFilePath gets the full path of the given config file name.
func GetConfigFilePath(file string) (string, error) {
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return path.Join(usr.HomeDir, configDir, file), nil
}

func createConfigPath() error {
	p, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0700)
}

// JoinedSearchPaths renders the search path list for display.
func (c *Config) JoinedSearchPaths() string {
	return strings.Join(c.SearchPaths, string(os.PathListSeparator))
}
