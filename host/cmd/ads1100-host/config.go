package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/warthog618/config"
	"github.com/warthog618/config/blob"
	"github.com/warthog618/config/blob/decoder/json"
	"github.com/warthog618/config/dict"
	"github.com/warthog618/config/env"

	"ads1100host/ads1100"
	"ads1100host/bus"
	"ads1100host/core"
	"ads1100host/host/serial"
	"ads1100host/logging"
	"ads1100host/sink"
)

const (
	envPrefix         = "ADS1100_"
	defaultConfigFile = "ads1100.json"
	defaultDevice     = "/dev/ttyACM0"
)

var defaultConfig = map[string]interface{}{
	"app.env":                 "prod",
	"log.level":               "info",
	"mcu.device":              defaultDevice,
	"mcu.baud":                250000,
	"mcu.read_timeout":        "100ms",
	"mcu.clock_sync_interval": "1s",
	"chips":                   []string{},
	"mqtt.broker":             "",
	"mqtt.port":               1883,
	"mqtt.client_id":          appName,
	"mqtt.topic_prefix":       "ads1100",
	"history.path":            "",
}

type chipConfig struct {
	ADC ads1100.Config
	Bus bus.I2CConfig
}

type appConfig struct {
	Env      string
	LogLevel slog.Level

	Serial            serial.Config
	ClockSyncInterval time.Duration

	Chips []chipConfig

	// MQTT is disabled when Broker is empty
	MQTT sink.MQTTConfig
	// HistoryPath disables the reading history when empty
	HistoryPath string
}

// needsMCU reports whether any chip is driven through the MCU
func (c appConfig) needsMCU() bool {
	for _, chip := range c.Chips {
		if chip.Bus.Mode != bus.ModeHost {
			return true
		}
	}
	return false
}

// loadConfig stacks the sources, highest priority first: command line
// overrides, environment, config file, defaults.
func loadConfig(overrides map[string]interface{}) (*config.Config, error) {
	def := dict.New(dict.WithMap(defaultConfig))
	cfg := config.New(
		dict.New(dict.WithMap(overrides)),
		env.New(env.WithEnvPrefix(envPrefix)),
		config.WithDefault(def))

	// a file named by flag or env must exist, the default one is optional
	if v, err := cfg.Get("config.file"); err == nil {
		if _, err := os.Stat(v.String()); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}
	cfg.Append(
		blob.NewConfigFile(cfg, "config.file", defaultConfigFile, json.NewDecoder()))
	return cfg, nil
}

// flagOverrides collects the root flags given on the command line
func flagOverrides(changed func(name string) bool) map[string]interface{} {
	m := make(map[string]interface{})
	if changed("config-file") {
		m["config.file"] = rootOpts.ConfigFile
	}
	if changed("device") {
		m["mcu.device"] = rootOpts.Device
	}
	if changed("baud") {
		m["mcu.baud"] = rootOpts.Baud
	}
	if changed("log-level") {
		m["log.level"] = rootOpts.LogLevel
	}
	if changed("env") {
		m["app.env"] = rootOpts.Env
	}
	return m
}

func decodeConfig(cfg *config.Config) (appConfig, error) {
	var ac appConfig
	get := func(key string) (config.Value, bool) {
		v, err := cfg.Get(key)
		return v, err == nil
	}
	str := func(key, def string) string {
		if v, ok := get(key); ok {
			return v.String()
		}
		return def
	}

	ac.Env = str("app.env", "prod")
	level, err := logging.ParseLevel(str("log.level", "info"))
	if err != nil {
		return ac, core.ConfigErrorf("log", "%v", err)
	}
	ac.LogLevel = level

	ac.Serial = *serial.DefaultConfig(str("mcu.device", defaultDevice))
	if v, ok := get("mcu.baud"); ok {
		ac.Serial.Baud = v.Int()
	}
	if v, ok := get("mcu.read_timeout"); ok {
		ac.Serial.ReadTimeout = v.Duration()
	}
	ac.ClockSyncInterval = time.Second
	if v, ok := get("mcu.clock_sync_interval"); ok {
		ac.ClockSyncInterval = v.Duration()
	}

	ac.MQTT = sink.MQTTConfig{
		Broker:      str("mqtt.broker", ""),
		ClientID:    str("mqtt.client_id", appName),
		TopicPrefix: str("mqtt.topic_prefix", "ads1100"),
		Port:        1883,
	}
	if v, ok := get("mqtt.port"); ok {
		ac.MQTT.Port = v.Int()
	}
	ac.HistoryPath = str("history.path", "")

	var names []string
	if v, ok := get("chips"); ok {
		names = v.StringSlice()
	}
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			return ac, core.ConfigErrorf("chips", "duplicate chip %q", name)
		}
		seen[name] = true
		chip, err := decodeChip(name, get)
		if err != nil {
			return ac, err
		}
		ac.Chips = append(ac.Chips, chip)
	}
	return ac, nil
}

func decodeChip(name string, get func(string) (config.Value, bool)) (chipConfig, error) {
	key := func(k string) string { return name + "." + k }
	adc := ads1100.DefaultConfig(name)
	if v, ok := get(key("gain")); ok {
		adc.Gain = v.Int()
	}
	if v, ok := get(key("sample_time")); ok {
		adc.SampleTime = v.Float()
	}
	if v, ok := get(key("sample_count")); ok {
		adc.SampleCount = v.Int()
	}
	if v, ok := get(key("min_value")); ok {
		adc.MinValue = v.Float()
	}
	if v, ok := get(key("max_value")); ok {
		adc.MaxValue = v.Float()
	}
	if v, ok := get(key("range_check_count")); ok {
		adc.RangeCheckCount = v.Int()
	}
	if v, ok := get(key("report_time")); ok {
		adc.ReportTime = v.Float()
	}
	if v, ok := get(key("max_read_retries")); ok {
		adc.MaxReadRetries = v.Int()
	}

	b := bus.I2CConfig{Name: name}
	if v, ok := get(key("bus")); ok {
		b.Mode = v.String()
	}
	if v, ok := get(key("mcu")); ok {
		b.MCU = v.String()
	}
	if v, ok := get(key("scl_pin")); ok {
		b.SCLPin = v.String()
	}
	if v, ok := get(key("sda_pin")); ok {
		b.SDAPin = v.String()
	}
	if v, ok := get(key("i2c_bus")); ok {
		b.Bus = v.String()
	}
	if v, ok := get(key("i2c_address")); ok {
		addr := v.Uint()
		if addr == 0 || addr > 0x7F {
			return chipConfig{}, core.ConfigErrorf("ads1100 "+name, "i2c_address %d is not a 7 bit address", addr)
		}
		b.Address = uint8(addr)
	}
	if v, ok := get(key("i2c_speed")); ok {
		b.Speed = uint32(v.Uint())
	}
	switch b.Mode {
	case "", bus.ModeMCU, bus.ModeSoftware, bus.ModeHost:
	default:
		return chipConfig{}, core.ConfigErrorf("ads1100 "+name, "unknown bus %q", b.Mode)
	}
	return chipConfig{ADC: adc, Bus: ads1100.BusConfig(b)}, nil
}
