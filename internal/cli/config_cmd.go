package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"cellflow/internal/render"
)

const version = "v0.3.0"

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *Root) configShow(out io.Writer) error {
	cfgPath := os.Getenv("CELLFLOW_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/cellflow/config.json"
	}
	fmt.Fprintf(out, "Config file: %s\n", cfgPath)
	return writeJSON(out, r.cfg)
}

func (r *Root) encoderStatus(ctx context.Context) string {
	st := render.New(r.cfg.Video, r.log).CheckEncoder(ctx)
	if !st.Available {
		return fmt.Sprintf("unavailable (%v)", st.Error)
	}
	return fmt.Sprintf("%s [%s]", st.Version, st.Path)
}

func (r *Root) configValidate(ctx context.Context, out io.Writer) error {
	fc := r.cfg.Processing.FlowChannels
	if fc[0] == fc[1] {
		fmt.Fprintf(out, "warning: flow_channels both select channel %d\n", fc[0])
	}
	if r.cfg.Archive.S3.Enabled && r.cfg.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3 is enabled but no bucket is set")
	}
	fmt.Fprintf(out, "Video encoder: %s\n", r.encoderStatus(ctx))
	r.log.Info("configuration validation", "status", "valid")
	fmt.Fprintln(out, "Configuration is valid")
	return nil
}

func (r *Root) cmdVersion(ctx context.Context, out io.Writer) {
	fmt.Fprintf(out, "cellflow %s\n", version)
	fmt.Fprintf(out, "Built with Go %s\n", runtime.Version())
	fmt.Fprintf(out, "Video encoder: %s\n", r.encoderStatus(ctx))
}
