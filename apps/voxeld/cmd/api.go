package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/voxelbench/voxelbench/pkg/api"
	"github.com/voxelbench/voxelbench/pkg/api/routes"
	runssvc "github.com/voxelbench/voxelbench/pkg/api/services/runs"
)

// apiCmd serves the pipeline's outward HTTP surface.
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the pipeline HTTP API",
	Run:   runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	d, err := bootstrap(ctx)
	if err != nil {
		log.Fatalf("❌ %v\n", err)
	}
	defer d.close()

	svc := runssvc.New(d.store, d.queue, d.machine, d.notes, d.objects, d.minter, d.log)

	a := api.NewApi()
	routes.RegisterAPI(a.Api, svc)

	addr := fmt.Sprintf(":%s", d.cfg.Port)
	log.Printf("🚀 Pipeline API starting on %s\n", addr)
	log.Printf("📄 OpenAPI spec: http://localhost%s/openapi.json\n", addr)

	if err := http.ListenAndServe(addr, a.Router); err != nil {
		d.log.Fatal("server error", "err", err)
	}
}
