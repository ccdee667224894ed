/*
Copyright 2024 Carenote Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/carenote/carenote"
	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/database"
	"github.com/carenote/carenote/internal/notification"
)

const (
	// skipSetup marks commands that only need configuration, not the server stores.
	skipSetup = "skip-setup"
	// deviceMode marks commands that run on a capture device, where no
	// Postgres or Redis is configured.
	deviceMode = "device"
)

// Carenote represents the CLI application, encapsulating the root Cobra command.
type Carenote struct {
	cmd *cobra.Command
}

// carenoteInstance holds the runtime instance and its configuration.
type carenoteInstance struct {
	carenote *carenote.Carenote
	cnf      *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and, unless the command opts out, builds the
// Carenote instance before the command runs.
func preRun(app *carenoteInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		load := config.InitConfig
		if cmd.Annotations[deviceMode] == "true" {
			load = config.InitDeviceConfig
		}
		err := load(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		if cmd.Annotations[skipSetup] == "true" || cmd.Annotations[deviceMode] == "true" {
			return nil
		}

		newCarenote, err := setupCarenote(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		app.carenote = newCarenote
		return nil
	}
}

// setupCarenote connects to the data source and builds the Carenote instance.
func setupCarenote(cfg *config.Configuration) (*carenote.Carenote, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newCarenote, err := carenote.NewCarenote(db)
	if err != nil {
		return nil, fmt.Errorf("error creating carenote: %v", err)
	}
	return newCarenote, nil
}

// NewCLI creates the command-line interface with the server, worker,
// migration, config and device subcommands.
func NewCLI() *Carenote {
	var configFile string
	b := &carenoteInstance{}

	var rootCmd = &cobra.Command{
		Use:   "carenote",
		Short: "Offline-tolerant clinical consultation pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DEFAULT_CONFIG_FILE, "Configuration file for carenote")
	rootCmd.PersistentPreRunE = preRun(b, &configFile)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))
	rootCmd.AddCommand(configCommands(b))
	rootCmd.AddCommand(deviceCommands(b))

	return &Carenote{cmd: rootCmd}
}

func (w Carenote) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
