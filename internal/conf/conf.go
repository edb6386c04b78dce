// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"encoding/json"
	"io"
	"os"
)

// Configuration for structured logging.
type LoggingConfig struct {
	// The log level to use (debug, info, warn, error).
	LevelStr string `json:"level"`
	// The log format to use (json, text).
	Format string `json:"format"`
}

type DBReconnectConfig struct {
	// The interval between reconnection attempts on connection loss.
	RetryIntervalSeconds int `json:"retryIntervalSeconds"`
	// The maximum number of reconnection attempts on connection loss before panic.
	MaxRetries int `json:"maxRetries"`
}

// Database configuration.
type DBConfig struct {
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Database  string            `json:"database"`
	User      string            `json:"user"`
	Password  string            `json:"password"`
	Reconnect DBReconnectConfig `json:"reconnect"`
}

// Configuration for the monitoring module.
type MonitoringConfig struct {
	// The labels to add to all metrics.
	Labels map[string]string `json:"labels"`

	// The port to expose the metrics on.
	Port int `json:"port"`
}

// Configuration for the mqtt client.
type MQTTConfig struct {
	// The URL of the MQTT broker to publish controller events on.
	URL string `json:"url"`
	// Credentials for the MQTT broker.
	Username string `json:"username"`
	Password string `json:"password"`
}

// Configuration for the api port.
type APIConfig struct {
	// The port to expose the API on.
	Port int `json:"port"`
}

// Configuration for the host manager.
type ManagerConfig struct {
	// Seconds between two periodic maintenance runs. Defaults to 60.
	TickIntervalSeconds int `json:"tickIntervalSeconds"`
	// How many hardware samples to retain per host and per guest.
	// Defaults to 1440, one day at the default tick interval.
	StatusRetention int `json:"statusRetention"`
	// Data root used until the store has one persisted.
	SavingRoot string `json:"savingRoot"`
}

// Configuration for the VNC gateway.
type VNCConfig struct {
	// The port the websocket gateway listens on.
	Port int `json:"port"`
	// Directory with the web console assets, served when non-empty.
	WebRoot string `json:"webRoot"`
	// Host clients reach the gateway on, used in console join URLs.
	PublicHost string `json:"publicHost"`
}

// Configuration for the openidcs controller.
type Config interface {
	GetLoggingConfig() LoggingConfig
	GetDBConfig() DBConfig
	GetMonitoringConfig() MonitoringConfig
	GetMQTTConfig() MQTTConfig
	GetAPIConfig() APIConfig
	GetManagerConfig() ManagerConfig
	GetVNCConfig() VNCConfig
}

type SharedConfig struct {
	LoggingConfig    `json:"logging"`
	DBConfig         `json:"db"`
	MonitoringConfig `json:"monitoring"`
	MQTTConfig       `json:"mqtt"`
	APIConfig        `json:"api"`
	ManagerConfig    `json:"manager"`
	VNCConfig        `json:"vnc"`
}

// Create a new configuration from the default config json file.
//
// This will read two files:
//   - /etc/config/conf.json
//   - /etc/secrets/secrets.json
//
// The values read from secrets.json will override the values in conf.json
func GetConfigOrDie[C any]() C {
	// Note: We need to read the config as a raw map first, to avoid golang
	// unmarshalling default values for the fields.

	// Read the base config.
	cmConf, err := readRawConfig("/etc/config/conf.json")
	if err != nil {
		panic(err)
	}
	// Read the secrets config.
	secretConf, err := readRawConfig("/etc/secrets/secrets.json")
	if err != nil {
		panic(err)
	}
	return newConfigFromMaps[C](cmConf, secretConf)
}

func newConfigFromMaps[C any](base, override map[string]any) C {
	// Merge the base config with the override config.
	mergedConf := mergeMaps(base, override)
	// Marshal again, and then unmarshal into the config struct.
	mergedBytes, err := json.Marshal(mergedConf)
	if err != nil {
		panic(err)
	}
	var c C
	if err := json.Unmarshal(mergedBytes, &c); err != nil {
		panic(err)
	}
	return c
}

// Read the json as a map from the given file path.
func readRawConfig(filepath string) (map[string]any, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	bytes, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return readRawConfigFromBytes(bytes)
}

func readRawConfigFromBytes(data []byte) (map[string]any, error) {
	var conf map[string]any
	if err := json.Unmarshal(data, &conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// mergeMaps recursively overrides dst with src (in-place)
func mergeMaps(dst, src map[string]any) map[string]any {
	result := dst
	for k, v := range src {
		if v == nil {
			// If src value is nil, skip override
			continue
		}
		if dstVal, ok := dst[k]; ok {
			// If both are maps, merge recursively
			dstMap, dstIsMap := dstVal.(map[string]any)
			srcMap, srcIsMap := v.(map[string]any)
			if dstIsMap && srcIsMap {
				result[k] = mergeMaps(dstMap, srcMap)
				continue
			}
		}
		// Otherwise, override
		result[k] = v
	}
	return result
}

func (c *SharedConfig) GetLoggingConfig() LoggingConfig       { return c.LoggingConfig }
func (c *SharedConfig) GetDBConfig() DBConfig                 { return c.DBConfig }
func (c *SharedConfig) GetMonitoringConfig() MonitoringConfig { return c.MonitoringConfig }
func (c *SharedConfig) GetMQTTConfig() MQTTConfig             { return c.MQTTConfig }
func (c *SharedConfig) GetAPIConfig() APIConfig               { return c.APIConfig }
func (c *SharedConfig) GetManagerConfig() ManagerConfig       { return c.ManagerConfig }
func (c *SharedConfig) GetVNCConfig() VNCConfig               { return c.VNCConfig }
