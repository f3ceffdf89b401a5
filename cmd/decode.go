package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/labscan/internal/capture"
	"github.com/andresmejia3/labscan/internal/types"
	"github.com/andresmejia3/labscan/internal/utils"
	"github.com/andresmejia3/labscan/internal/vision"
	"github.com/andresmejia3/labscan/internal/worker"
	"github.com/spf13/cobra"
)

var decodeOpts kioskOptions

var decodeCmd = &cobra.Command{
	Use:   "decode <image_path>",
	Short: "Run face detection and QR decoding on a still image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := Cfg
		if cmd.Flags().Changed("detector") {
			cfg.Detector.Backend = decodeOpts.Detector
		}
		if cmd.Flags().Changed("model") {
			cfg.Detector.ModelPath = decodeOpts.Model
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if _, err := os.Stat(args[0]); err != nil {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		frame, err := vision.LoadImage(args[0])
		if err != nil {
			return fmt.Errorf("failed to load image: %w", err)
		}

		det := newDetector(cfg, Log.WithField("component", "worker"))
		defer det.Close()
		qr := vision.NewQRDecoder()
		defer qr.Close()

		fmt.Fprintln(os.Stderr, "🚀 Loading face detector...")
		if err := det.Load(cmd.Context()); err != nil {
			return fmt.Errorf("failed to load face detector: %w", err)
		}

		err = runDecode(cmd.Context(), frame, det, qr, os.Stdout)
		if err != nil {
			if w, ok := det.(*worker.FaceWorker); ok {
				utils.ShowError("Face detection failed", err, w.Logs())
				return fmt.Errorf("%w: %v", errReported, err)
			}
		}
		return err
	},
}

func init() {
	decodeCmd.Flags().StringVar(&decodeOpts.Detector, "detector", "", "Face detector backend: cascade or worker")
	decodeCmd.Flags().StringVarP(&decodeOpts.Model, "model", "m", "", "Cascade model path")
	rootCmd.AddCommand(decodeCmd)
}

// runDecode reports the faces and QR payload found in one frame.
func runDecode(ctx context.Context, frame types.Frame, det capture.FaceDetector, qr capture.QRDecoder, out io.Writer) error {
	faces, err := det.Detect(ctx, frame)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Image: %dx%d\n", frame.Width, frame.Height)
	switch len(faces) {
	case 0:
		fmt.Fprintln(out, "❌ No faces detected.")
	default:
		fmt.Fprintf(out, "👤 %d face(s) detected\n", len(faces))
		for i, f := range faces {
			fmt.Fprintf(out, "   #%d at (%d,%d) %dx%d score %.2f\n", i+1, f.X, f.Y, f.W, f.H, f.Score)
		}
	}

	payload, ok, err := qr.Decode(frame)
	switch {
	case err != nil:
		fmt.Fprintf(out, "⚠️  QR decoding failed: %v\n", err)
	case !ok:
		fmt.Fprintln(out, "❌ No QR code found.")
	default:
		fmt.Fprintf(out, "🔳 QR payload: %s\n", payload)
	}
	return nil
}
