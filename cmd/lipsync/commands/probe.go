package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/visage-ai/lipsync/pkg/media"
)

var (
	probeFFprobe string
	probeFormat  string
)

type probeReport struct {
	Width    int     `json:"width" yaml:"width"`
	Height   int     `json:"height" yaml:"height"`
	FPS      float64 `json:"fps" yaml:"fps"`
	Frames   int     `json:"frames" yaml:"frames"`
	Duration float64 `json:"duration_seconds" yaml:"duration_seconds"`
	HasAudio bool    `json:"has_audio" yaml:"has_audio"`
}

var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Inspect a media file's streams",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tools := media.Tools{FFprobe: probeFFprobe}
		info, err := tools.Probe(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		report := probeReport{
			Width:    info.Width,
			Height:   info.Height,
			FPS:      info.FPS,
			Frames:   info.FrameCount,
			Duration: info.Duration,
			HasAudio: info.HasAudio,
		}
		switch probeFormat {
		case "text":
			fmt.Printf("resolution: %dx%d\n", report.Width, report.Height)
			fmt.Printf("fps:        %.3f\n", report.FPS)
			fmt.Printf("frames:     %d\n", report.Frames)
			fmt.Printf("duration:   %.3fs\n", report.Duration)
			fmt.Printf("audio:      %v\n", report.HasAudio)
			return nil
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		case "yaml":
			out, err := yaml.Marshal(report)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		default:
			return fmt.Errorf("unknown output format %q (want text, json, or yaml)", probeFormat)
		}
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeFFprobe, "ffprobe", "", "ffprobe binary path")
	probeCmd.Flags().StringVarP(&probeFormat, "output", "o", "text", "output format (text, json, yaml)")
	rootCmd.AddCommand(probeCmd)
}
