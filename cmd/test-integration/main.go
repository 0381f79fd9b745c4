package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/gographics/imagick.v3/imagick"

	"cellflow/internal/config"
	"cellflow/internal/logging"
	"cellflow/internal/metrics"
	"cellflow/internal/pipeline"
	"cellflow/internal/storage"
	"cellflow/internal/tasks"
)

func main() {
	var (
		root   = flag.String("root", "", "data root (default: a temporary directory)")
		frames = flag.Int("frames", 6, "frames in the synthetic stack")
		size   = flag.Int("size", 64, "frame width and height")
		video  = flag.Bool("video", false, "also render the flow with ffmpeg")
	)
	flag.Parse()

	fmt.Println("Testing inbox watcher + flow pipeline integration")

	if *root == "" {
		dir, err := os.MkdirTemp("", "cellflow-it-")
		if err != nil {
			log.Fatal("Failed to create temp root:", err)
		}
		defer os.RemoveAll(dir)
		*root = dir
	}
	cfg := config.Default(*root)
	logger := logging.New("info", "text")

	svc := tasks.NewService(cfg, logger)
	if err := svc.Init(false); err != nil {
		log.Fatal("Failed to init root:", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath, logger)
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m := metrics.New()
	pipe := pipeline.New(ctx, 1, logger, store, svc, m)
	defer pipe.Stop()
	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	watcher, err := tasks.NewInboxWatcher(svc.InboxPath(), 500*time.Millisecond, logger)
	if err != nil {
		log.Fatal("Failed to create inbox watcher:", err)
	}
	if err := watcher.Start(); err != nil {
		log.Fatal("Failed to start inbox watcher:", err)
	}
	defer watcher.Stop()

	path := filepath.Join(svc.InboxPath(), "drift.tif")
	if err := writeDriftStack(path, *frames, cfg.Processing.Channels, *size); err != nil {
		log.Fatal("Failed to write synthetic stack:", err)
	}
	fmt.Printf("Wrote %d frames x %d channels to %s\n", *frames, cfg.Processing.Channels, path)

	for {
		select {
		case <-ctx.Done():
			log.Fatal("Timed out waiting for the pipeline")
		case ev := <-watcher.Events:
			fmt.Printf("Inbox event: %s (%d bytes)\n", ev.Path, ev.Size)
			submit(pipe, pipeline.Job{
				ID:        "it-flow",
				Type:      pipeline.JobFlow,
				InputPath: ev.Path,
				Options:   map[string]any{"stack_type": "synthetic", "mode": "default"},
			})
		case res := <-results:
			if res.Error != nil {
				log.Fatalf("Job %s failed: %v", res.Job.ID, res.Error)
			}
			fmt.Printf("Job %s: %v %v shape=%v\n", res.Job.ID, res.Meta["kind"], res.Meta["tag"], res.Meta["shape"])
			switch res.Job.ID {
			case "it-flow":
				if summaries, ok := res.Meta["summaries"]; ok {
					fmt.Printf("   Motion: %+v\n", summaries)
				}
				submit(pipe, pipeline.Job{
					ID:      "it-traj",
					Type:    pipeline.JobTrajectory,
					Stack:   "drift",
					Options: map[string]any{"flow": res.Meta["tag"], "mode": "default"},
				})
			case "it-traj":
				if !*video {
					report(store)
					return
				}
				submit(pipe, pipeline.Job{
					ID:      "it-video",
					Type:    pipeline.JobVideo,
					Stack:   "drift",
					Options: map[string]any{"tag": "f0", "fps": cfg.Video.FPS, "step": 8},
				})
			case "it-video":
				report(store)
				return
			}
		}
	}
}

func submit(pipe *pipeline.Pipeline, job pipeline.Job) {
	if err := pipe.Submit(job); err != nil {
		log.Fatal("Failed to submit job:", err)
	}
}

func report(store *storage.Store) {
	recs, err := store.Artifacts("drift")
	if err != nil {
		log.Fatal("Failed to list artifacts:", err)
	}
	fmt.Printf("\nTest completed. %d artifacts indexed:\n", len(recs))
	for _, r := range recs {
		fmt.Printf("   %-10s %-6s %s\n", r.Kind, r.Tag, r.Path)
	}
}

// writeDriftStack writes a 16 bit multi-page TIFF whose blob moves one pixel
// right per frame, identically in every channel.
func writeDriftStack(path string, frames, channels, size int) error {
	imagick.Initialize()
	defer imagick.Terminate()

	stack := imagick.NewMagickWand()
	defer stack.Destroy()
	bg := imagick.NewPixelWand()
	defer bg.Destroy()
	bg.SetColor("black")

	for f := 0; f < frames; f++ {
		px := make([]uint16, size*size)
		cx, cy := float64(size)/3+float64(f), float64(size)/2
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				d := math.Hypot(float64(x)-cx, float64(y)-cy)
				px[y*size+x] = uint16(60000 * math.Exp(-d*d/(2*36)))
			}
		}
		for c := 0; c < channels; c++ {
			page := imagick.NewMagickWand()
			if err := page.NewImage(uint(size), uint(size), bg); err != nil {
				page.Destroy()
				return err
			}
			if err := page.ImportImagePixels(0, 0, uint(size), uint(size), "I", imagick.PIXEL_SHORT, px); err != nil {
				page.Destroy()
				return err
			}
			page.SetImageDepth(16)
			page.SetImageFormat("TIFF")
			err := stack.AddImage(page)
			page.Destroy()
			if err != nil {
				return err
			}
		}
	}
	return stack.WriteImages(path, true)
}
