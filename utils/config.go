package utils

import (
	"encoding/json"
	"fmt"
	"image/color"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"gopkg.in/yaml.v2"
)

var EtcDir = "."
var DataDir = "."

type ServiceConfig struct {
	ViewerHostname string `json:"viewer_hostname" yaml:"viewer_hostname"`
	TemplateRoot   string `json:"template_root" yaml:"template_root"`
}

// Palette is an ordered list of colours spanning the value range of a
// rendered raster. With Interpolate set, intermediate colours are
// linearly blended between neighbours; otherwise the ramp is stepped.
type Palette struct {
	Interpolate bool         `json:"interpolate" yaml:"interpolate"`
	Colours     []color.RGBA `json:"colours" yaml:"colours"`
}

// Layer describes one time-ordered raster series published by the
// viewer: where its objects live, how its keys are filtered and how
// its values are presented.
type Layer struct {
	NameSpace     string
	Name          string   `json:"name" yaml:"name"`
	Title         string   `json:"title" yaml:"title"`
	Abstract      string   `json:"abstract" yaml:"abstract"`
	StoreLocation string   `json:"store_location" yaml:"store_location"`
	Pattern       string   `json:"pattern" yaml:"pattern"`
	OffsetValue   float64  `json:"offset_value" yaml:"offset_value"`
	ScaleValue    float64  `json:"scale_value" yaml:"scale_value"`
	ClipValue     float64  `json:"clip_value" yaml:"clip_value"`
	Palette       *Palette `json:"palette" yaml:"palette"`
}

// Config is the struct representing the configuration of the viewer
// server. It contains service level settings as well as the list of
// raster series that can be browsed.
type Config struct {
	ServiceConfig ServiceConfig `json:"service_config" yaml:"service_config"`
	Layers        []Layer       `json:"layers" yaml:"layers"`
}

// DefaultPalette is the yellow-orange-red ramp applied to layers that
// do not configure their own.
func DefaultPalette() *Palette {
	return &Palette{
		Interpolate: true,
		Colours: []color.RGBA{
			{R: 255, G: 255, B: 0, A: 255},
			{R: 255, G: 165, B: 0, A: 255},
			{R: 255, G: 0, B: 0, A: 255},
		},
	}
}

func LoadAllConfigFiles(rootDir string, verbose bool) (map[string]*Config, error) {
	configMap := make(map[string]*Config)
	err := filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		name := info.Name()
		if name != "config.json" && name != "config.yaml" && name != "config.yml" {
			return nil
		}

		relPath, _ := filepath.Rel(rootDir, filepath.Dir(path))
		if verbose {
			log.Printf("Loading config file: %s under namespace: %s\n", path, relPath)
		}

		config := &Config{}
		e := config.LoadConfigFile(path)
		if e != nil {
			return e
		}

		configMap[relPath] = config

		for i := range config.Layers {
			ns := relPath
			if relPath == "." {
				ns = ""
			}
			config.Layers[i].NameSpace = ns
		}
		return nil
	})

	if err == nil && len(configMap) == 0 {
		err = fmt.Errorf("No config file found under %s", rootDir)
	}

	return configMap, err
}

// LoadConfigFile unmarshals the config document returning an instance
// of a Config variable containing all the values. Both JSON and YAML
// documents are accepted, selected by file extension.
func (config *Config) LoadConfigFile(configFile string) error {
	*config = Config{}
	cfg, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("Error while reading config file: %s. Error: %v", configFile, err)
	}

	ext := strings.ToLower(filepath.Ext(configFile))
	if ext == ".yaml" || ext == ".yml" {
		err = yaml.Unmarshal(cfg, config)
	} else {
		err = json.Unmarshal(cfg, config)
	}
	if err != nil {
		return fmt.Errorf("Error at parsing config document: %s. Error: %v", configFile, err)
	}

	for i := range config.Layers {
		layer := &config.Layers[i]
		if len(layer.StoreLocation) == 0 {
			return fmt.Errorf("Layer %s does not specify a store_location", layer.Name)
		}
		if layer.ScaleValue == 0 {
			layer.ScaleValue = 1.0
		}
		if layer.Palette == nil {
			layer.Palette = DefaultPalette()
		}
		if len(layer.Palette.Colours) < 2 {
			return fmt.Errorf("The colour palette must contain at least 2 colours.")
		}
	}
	return nil
}

func WatchConfig(infoLog, errLog *log.Logger, configMap *map[string]*Config, verbose bool) {
	// Catch SIGHUP to automatically reload config
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for {
			<-sighup
			infoLog.Println("Caught SIGHUP, reloading config...")
			confMap, err := LoadAllConfigFiles(EtcDir, verbose)
			if err != nil {
				errLog.Printf("Error in loading config files: %v\n", err)
				continue
			}

			for k := range *configMap {
				delete(*configMap, k)
			}

			for k := range confMap {
				(*configMap)[k] = confMap[k]
			}
		}
	}()
}
