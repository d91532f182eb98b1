// Copyright © 2019 Annchain Authors <EMAIL ADDRESS>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/annchain/dbft/common/utilfuncs"
	"github.com/annchain/dbft/mylog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "dbft"

var (
	LogDir    = "log"
	DataDir   = "data"
	ConfigDir = "config"
)

type FolderConfig struct {
	Root   string
	Log    string
	Data   string
	Config string
}

// ensureFolders resolves every folder against dir.root, creates them and writes the result back to viper.
func ensureFolders() FolderConfig {
	root := viper.GetString("dir.root")
	config := FolderConfig{
		Root:   root,
		Log:    folder(root, "dir.log", LogDir),
		Data:   folder(root, "dir.data", DataDir),
		Config: folder(root, "dir.config", ConfigDir),
	}
	for _, f := range []string{config.Root, config.Log, config.Data, config.Config} {
		err := utilfuncs.MkDirIfNotExists(f)
		utilfuncs.PanicIfError(err, "creating folder: "+f)
	}
	viper.Set("dir.log", config.Log)
	viper.Set("dir.data", config.Data)
	viper.Set("dir.config", config.Config)
	return config
}

func folder(root string, key string, fallback string) string {
	if v := viper.GetString(key); v != "" {
		return v
	}
	return utilfuncs.FixPrefixPath(root, fallback)
}

// readConfig merges {configDir}/config.toml when present, then lets DBFT_* env vars override.
func readConfig(configDir string) {
	configPath := utilfuncs.FixPrefixPath(configDir, "config.toml")
	if _, err := os.Stat(configPath); err == nil {
		mergeLocalConfig(configPath)
	} else {
		logrus.WithField("path", configPath).Info("config file not found, using defaults")
	}
	mergeEnvConfig()

	b, err := json.MarshalIndent(viper.AllSettings(), "", "    ")
	utilfuncs.PanicIfError(err, "dump json")
	logrus.Debug(string(b))
}

func mergeLocalConfig(configPath string) {
	absPath, err := filepath.Abs(configPath)
	utilfuncs.PanicIfError(err, fmt.Sprintf("Error on parsing config file path: %s", absPath))

	file, err := os.Open(absPath)
	utilfuncs.PanicIfError(err, fmt.Sprintf("Error on opening config file: %s", absPath))
	defer file.Close()

	viper.SetConfigType("toml")
	err = viper.MergeConfig(file)
	utilfuncs.PanicIfError(err, fmt.Sprintf("Error on reading config file: %s", absPath))
}

func mergeEnvConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
}

// initLogger uses viper to get the log path and level. It should be called by all other commands
func initLogger(logdir string) {
	doStdout := viper.GetBool("log.stdout")
	doFile := viper.GetBool("log.file")

	var writers []io.Writer
	if doFile {
		abspath, err := filepath.Abs(path.Join(logdir, "run"))
		utilfuncs.PanicIfError(err, fmt.Sprintf("Error on parsing log file path: %s", logdir))
		writers = append(writers, mylog.RotateLog(abspath))
		fmt.Println("Will be logged to " + abspath + ".log")
	}
	if doStdout {
		writers = append(writers, os.Stdout)
	}
	switch len(writers) {
	case 0:
		logrus.SetOutput(io.Discard)
	case 1:
		logrus.SetOutput(writers[0])
	default:
		logrus.SetOutput(io.MultiWriter(writers...))
	}

	logrus.SetLevel(mylog.ParseLevel(viper.GetString("log.level")))

	formatter := new(logrus.TextFormatter)
	formatter.ForceColors = doStdout && !doFile
	formatter.TimestampFormat = "2006-01-02 15:04:05.000000"
	formatter.FullTimestamp = true
	logrus.StandardLogger().SetFormatter(formatter)

	if viper.GetBool("log.line_number") {
		logrus.SetReportCaller(true)
	}
	if viper.GetBool("multifile_by_level") && doFile {
		logrus.AddHook(mylog.LevelHook(logdir, formatter))
	}
	logrus.Debug("Logger initialized.")
}
