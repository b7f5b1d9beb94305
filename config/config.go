package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Set default values
	v.SetDefault("upload.url", "http://localhost:8080/upload/")
	v.SetDefault("upload.transport", "http")
	v.SetDefault("stream.id", "")
	v.SetDefault("stream.name", "")
	v.SetDefault("muxer.cluster_duration_ms", 1000)
	v.SetDefault("server.port", 8080)

	// Set default webmlive home directory; data.dir is resolved from it
	// when not set explicitly.
	v.SetDefault("webmlive.home", filepath.Join(xdg.Home, ".webmlive"))
	v.SetDefault("data.dir", "")

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("upload.url", "WEBMLIVE_URL")
	v.BindEnv("upload.transport", "WEBMLIVE_TRANSPORT")
	v.BindEnv("stream.id", "WEBMLIVE_STREAM_ID")
	v.BindEnv("stream.name", "WEBMLIVE_STREAM_NAME")
	v.BindEnv("muxer.cluster_duration_ms", "WEBMLIVE_CLUSTER_DURATION")
	v.BindEnv("server.port", "WEBMLIVE_PORT")
	v.BindEnv("webmlive.home", "WEBMLIVE_HOME")
	v.BindEnv("data.dir", "WEBMLIVE_DATA_DIR")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.webmlive",
		"/etc/webmlive",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// GetUploadURL returns the base URL chunks are uploaded to. The stream id is
// appended when it ends with a slash.
func GetUploadURL() string {
	return v.GetString("upload.url")
}

// GetTransport returns the upload transport, "http" or "ws".
func GetTransport() string {
	return v.GetString("upload.transport")
}

// GetStreamID returns the configured stream id, empty for a random one.
func GetStreamID() string {
	return v.GetString("stream.id")
}

// GetStreamName returns the display name sent with uploads.
func GetStreamName() string {
	return v.GetString("stream.name")
}

// GetClusterDurationMs returns the maximum cluster length for audio-only
// streams.
func GetClusterDurationMs() int {
	return v.GetInt("muxer.cluster_duration_ms")
}

// GetServerPort returns the relay listen port.
func GetServerPort() int {
	return v.GetInt("server.port")
}

// GetHome returns the webmlive home directory
func GetHome() string {
	return v.GetString("webmlive.home")
}

// GetDataDir returns where the relay records uploaded segments.
func GetDataDir() string {
	if dir := v.GetString("data.dir"); dir != "" {
		return dir
	}
	return filepath.Join(GetHome(), "data")
}
