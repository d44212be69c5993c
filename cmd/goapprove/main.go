package main

import (
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/goapprove/goapprove/internal/cli"
	"github.com/goapprove/goapprove/internal/http"
	"github.com/goapprove/goapprove/internal/log"
	internal_storage "github.com/goapprove/goapprove/internal/storage"
	"github.com/goapprove/goapprove/pkg/notify"
	"github.com/goapprove/goapprove/pkg/service"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "goapprove"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the approval engine HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil {
			log.GetLogger().Debugf("No .env file found: %v", err)
		}
		dbConnStr, _ := cmd.Flags().GetString("db")
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = "8080"
		}
		store, err := internal_storage.InitStore(dbConnStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		emitters := []notify.Emitter{notify.LogEmitter{Logger: log.GetLogger()}}
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opts, err := redis.ParseURL(redisURL)
			if err != nil {
				log.GetLogger().Errorf("Invalid REDIS_URL: %v", err)
				os.Exit(1)
			}
			emitters = append(emitters, notify.NewRedisEmitter(redis.NewClient(opts), ""))
			log.GetLogger().Infof("Publishing events to redis at %s", opts.Addr)
		}
		dispatcher := notify.NewDispatcher(log.GetLogger(), emitters...)
		dispatcher.Start(2)
		defer dispatcher.Stop()

		if err := http.StartServer(port, store, service.StaticBinding{}, dispatcher); err != nil {
			log.GetLogger().Errorf("Server failed: %v", err)
			os.Exit(1)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", os.Getenv("DATABASE_URL"), "Database connection string")
	serveCmd.Flags().String("port", "8080", "HTTP listen port")
	rootCmd.AddCommand(serveCmd)
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
