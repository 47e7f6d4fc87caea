/*
Copyright 2024 Logipool Authors.

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

	"github.com/logipool/logipool"
	"github.com/logipool/logipool/config"
	"github.com/logipool/logipool/database"
	"github.com/logipool/logipool/internal/notification"
)

// Logipool represents the CLI application, encapsulating the root Cobra command.
type Logipool struct {
	cmd *cobra.Command
}

// logipoolInstance holds the engine and the configuration it was built from.
type logipoolInstance struct {
	logipool *logipool.Logipool
	cnf      *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the engine before any command runs.
func preRun(app *logipoolInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		// migrations and config inspection do not need Redis.
		if cmd.Annotations["engine"] != "true" {
			return nil
		}

		engine, err := setupLogipool(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		app.logipool = engine

		return nil
	}
}

// setupLogipool connects to the data source and builds the engine.
func setupLogipool(cfg *config.Configuration) (*logipool.Logipool, error) {
	db, err := database.NewDataSource(cfg.DataSource.Dns)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	engine, err := logipool.NewLogipool(db)
	if err != nil {
		return nil, fmt.Errorf("error creating logipool: %v", err)
	}
	return engine, nil
}

// NewCLI creates the root command and its server, worker, migrate and config subcommands.
func NewCLI() *Logipool {
	var configFile string
	app := &logipoolInstance{}

	var rootCmd = &cobra.Command{
		Use:   "logipool",
		Short: "Produce pooling and dispatch engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./logipool.json", "Configuration file for logipool")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands(app))

	return &Logipool{cmd: rootCmd}
}

func (w Logipool) executeCLI() {
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
