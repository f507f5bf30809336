// Command pipeline runs a simple-mode fashion pipeline against a running API.
//
//	pipeline -api http://localhost:8083 -type studio shirt.png pants.png
//
// The garment files are uploaded once, then analysis, the front image, QA and
// the batch are requested one after another while progress is printed.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"fashionpipeline/apiclient"
	"fashionpipeline/pipeline"
	"fashionpipeline/services"

	"github.com/rs/zerolog/log"
)

func main() {
	apiURL := flag.String("api", services.GetEnv("PIPELINE_API_URL", "http://localhost:8083"), "base URL of the pipeline API")
	imageType := flag.String("type", "studio", "batch image type: studio or lifestyle")
	token := flag.String("token", os.Getenv("PIPELINE_API_TOKEN"), "bearer token sent with every request")
	timeout := flag.Duration("timeout", 5*time.Minute, "per request timeout")
	interval := flag.Duration("interval", 0, "minimum spacing between batch image requests")
	flag.Parse()

	log.Logger = services.NewLogger(services.GetEnv("APP_ENV", "development"))

	files := flag.Args()
	if len(files) == 0 || len(files) > pipeline.RoleGarment.Limit() {
		fmt.Fprintf(os.Stderr, "usage: pipeline [flags] garment.png [garment2.png]\n")
		os.Exit(2)
	}
	if !pipeline.ImageType(*imageType).Valid() {
		fmt.Fprintf(os.Stderr, "unknown image type %q\n", *imageType)
		os.Exit(2)
	}

	client := apiclient.New(*apiURL, *timeout)
	client.Token = *token

	session := pipeline.NewSession("", pipeline.ModeSimple)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			log.Fatal().Err(err).Str("file", file).Msg("cannot read garment image")
		}
		mimeType := http.DetectContentType(data)
		if !services.IsAllowedImage(file, mimeType) {
			log.Fatal().Str("file", file).Str("mime", mimeType).Msg("not an image")
		}
		if _, err := session.AddAsset(pipeline.UploadedAsset{
			Role:     pipeline.RoleGarment,
			Name:     filepath.Base(file),
			MimeType: mimeType,
			Data:     data,
		}); err != nil {
			log.Fatal().Err(err).Msg("cannot add garment")
		}
	}

	progress := &progressPrinter{}
	session.SetObserver(progress.observe)

	assets := pipeline.NewAssetCache(client, time.Hour)
	orchestrator := pipeline.NewOrchestrator(client, client, assets, pipeline.Options{
		SynthesisInterval: *interval,
		Logger:            log.Logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	_, run := session.Replace(pipeline.NewRun(pipeline.ModeSimple, pipeline.ImageType(*imageType)))
	if err := orchestrator.RunSimple(ctx, session, run.ID); err != nil {
		fmt.Fprintf(os.Stderr, "\npipeline failed: %v\n", err)
		os.Exit(1)
	}

	final := session.Snapshot()
	fmt.Println()
	for _, item := range final.Items {
		if item.State == pipeline.ItemReady {
			fmt.Printf("%-20s %s\n", item.Title, item.ImageURL)
		} else {
			fmt.Printf("%-20s failed: %s\n", item.Title, item.Error)
		}
	}
	fmt.Printf("\n%d uploads, finished in %s\n", assets.Uploads(), final.UpdatedAt.Sub(final.StartedAt).Round(time.Second))
}

// progressPrinter prints stage changes and item outcomes once each.
type progressPrinter struct {
	stage pipeline.Stage
	items map[string]pipeline.ItemState
}

func (p *progressPrinter) observe(_ string, run pipeline.Run) {
	if run.Stage != p.stage {
		p.stage = run.Stage
		switch run.Stage {
		case pipeline.StageAnalyzing:
			fmt.Println("Analyzing garments...")
		case pipeline.StageFrontImage:
			fmt.Println("Generating front image...")
		case pipeline.StageQA:
			fmt.Printf("Front image: %s\nChecking quality...\n", run.FrontImage)
		case pipeline.StageGeneratingImages:
			fmt.Printf("Generating %d images...\n", len(run.Items))
		case pipeline.StageError:
			fmt.Printf("Error: %s\n", run.Error)
		}
	}
	if p.items == nil {
		p.items = make(map[string]pipeline.ItemState)
	}
	for _, item := range run.Items {
		if p.items[item.ID] == item.State {
			continue
		}
		p.items[item.ID] = item.State
		switch item.State {
		case pipeline.ItemReady:
			fmt.Printf("  [ok]   %s\n", item.Title)
		case pipeline.ItemFailed:
			fmt.Printf("  [fail] %s: %s\n", item.Title, item.Error)
		}
	}
}
