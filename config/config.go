package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GLREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("glrec.home", "GLREC_HOME")
	v.BindEnv("output.dir", "GLREC_OUTPUT_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		GetGlrecHome(),
		"/etc/glrec",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("recorder.frame_rate", 30)
	v.SetDefault("recorder.key_frame_interval", time.Second)
	v.SetDefault("recorder.bitrate_factor", 0.2)
	v.SetDefault("recorder.drain_timeout", 10*time.Millisecond)
	v.SetDefault("recorder.format", "mp4")
	v.SetDefault("recorder.audio", true)

	v.SetDefault("glrec.home", filepath.Join(xdg.Home, ".glrec"))
	v.SetDefault("output.dir", filepath.Join(xdg.UserDirs.Videos, "glrec"))
}

// FrameRate is the encoder frame rate in frames per second.
func FrameRate() int {
	return v.GetInt("recorder.frame_rate")
}

// KeyFrameInterval is the target distance between key frames.
func KeyFrameInterval() time.Duration {
	return v.GetDuration("recorder.key_frame_interval")
}

// BitrateFactor scales width*height*frameRate into the target bitrate.
func BitrateFactor() float64 {
	return v.GetFloat64("recorder.bitrate_factor")
}

// DrainTimeout bounds each poll of the encoder output.
func DrainTimeout() time.Duration {
	return v.GetDuration("recorder.drain_timeout")
}

// Format is the default container format (mp4, fmp4 or webm).
func Format() string {
	return v.GetString("recorder.format")
}

// AudioEnabled reports whether recordings include an audio track by default.
func AudioEnabled() bool {
	return v.GetBool("recorder.audio")
}

// GetOutputDir returns the directory recordings are written to
func GetOutputDir() string {
	return v.GetString("output.dir")
}

// GetGlrecHome returns the glrec home directory
func GetGlrecHome() string {
	return v.GetString("glrec.home")
}

// ConfigFileUsed returns the config file that was loaded, if any.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}
