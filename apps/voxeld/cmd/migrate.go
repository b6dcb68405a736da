package cmd

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/voxelbench/voxelbench/pkg/db"
)

// migrateCmd applies the pipeline schema. It only needs the database, so
// it reads DB_* directly instead of going through the full bootstrap.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	if err := godotenv.Load(); err == nil {
		log.Println("✓ Loaded .env file")
	}

	cfg := db.Config{
		Host:     "localhost",
		Port:     5432,
		User:     "voxelbench",
		Password: "password",
		Database: "voxelbench",
		SSLMode:  "disable",
	}
	if err := envconfig.Process("DB", &cfg); err != nil {
		log.Fatalf("❌ read DB_* environment: %v\n", err)
	}

	database, err := db.New(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ connect database: %v\n", err)
	}
	defer database.Close()

	log.Println("🗄 Applying pipeline migrations...")
	if err := db.Migrate(ctx, database); err != nil {
		log.Fatalf("❌ migrate: %v\n", err)
	}
	log.Println("✓ Schema is up to date")
}
