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
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/logipool/logipool"
	"github.com/logipool/logipool/config"
	"github.com/logipool/logipool/internal/hooks"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// hookQueue is where queued external hook deliveries land.
const hookQueue = "default"

func initializeQueues(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.WebhookQueue: 3,
		hookQueue:              1,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := logipool.RedisClientOpt(conf)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		redisOption,
		asynq.Config{
			Concurrency: conf.Queue.Concurrency,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(app *logipoolInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(app.cnf.Queue.WebhookQueue, logipool.ProcessWebhook)
	if manager := app.logipool.Hooks(); manager != nil {
		mux.HandleFunc(hooks.TaskTypeExecuteHook, manager.ProcessHookTask)
	}
}

func startMonitoring(conf *config.Configuration) error {
	redisOption, err := logipool.RedisClientOpt(conf)
	if err != nil {
		return err
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOption,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			log.Fatalf("could not start asynqmon server: %v", err)
		}
	}()
	return nil
}

// workerCommands defines the "workers" command. It delivers queued webhooks
// and hook calls, and runs the expiry sweeper until the worker server stops.
func workerCommands(app *logipoolInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "workers",
		Short:       "start logipool workers",
		Annotations: map[string]string{"engine": "true"},
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			conf := app.cnf

			phClient, shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(context.Background()); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}

			srv, err := initializeWorkerServer(conf, initializeQueues(conf))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(app, mux)

			if err := startMonitoring(conf); err != nil {
				log.Fatal(err)
			}

			sweeper := logipool.NewExpirySweeper(app.logipool,
				time.Duration(conf.Sweeper.IntervalSeconds)*time.Second, conf.Sweeper.BatchSize)
			go sweeper.Run(ctx)

			if err := srv.Run(mux); err != nil {
				log.Printf("could not run server: %v", err)
			}
			cancel()
			if err := app.logipool.Close(); err != nil {
				log.Printf("Error closing engine: %v", err)
			}
		},
	}

	return cmd
}
