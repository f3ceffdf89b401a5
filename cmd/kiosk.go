package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/labscan/internal/capture"
	"github.com/andresmejia3/labscan/internal/config"
	"github.com/andresmejia3/labscan/internal/display"
	"github.com/andresmejia3/labscan/internal/session"
	"github.com/andresmejia3/labscan/internal/source"
	"github.com/andresmejia3/labscan/internal/ui"
	"github.com/andresmejia3/labscan/internal/vision"
	"github.com/andresmejia3/labscan/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const ffmpegPrefix = "ffmpeg:"

// kioskOptions are the kiosk flags. Only flags the user set override the config.
type kioskOptions struct {
	Device      string
	Interval    time.Duration
	Cooldown    time.Duration
	AutoReset   time.Duration
	Detector    string
	Model       string
	Listen      string
	ConfirmFace bool
	NoBell      bool
}

var kioskOpts kioskOptions

var kioskCmd = &cobra.Command{
	Use:         "kiosk",
	Short:       "Run the borrowing kiosk on a live camera",
	Annotations: map[string]string{annLogin: "true"},
	Args:        cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := Cfg
		applyKioskFlags(cmd.Flags(), kioskOpts, &cfg)
		if err := validateKioskFlags(&cfg); err != nil {
			return err
		}
		return runKiosk(cmd.Context(), cfg)
	},
}

func init() {
	bindKioskFlags(kioskCmd.Flags(), &kioskOpts)
	rootCmd.AddCommand(kioskCmd)
}

func bindKioskFlags(fs *pflag.FlagSet, o *kioskOptions) {
	fs.StringVarP(&o.Device, "device", "d", "", "Camera index, device path, or ffmpeg:<input> (default: 0)")
	fs.DurationVarP(&o.Interval, "interval", "i", 0, "Time between frame samples (default: 150ms)")
	fs.DurationVar(&o.Cooldown, "cooldown", 0, "Minimum gap between accepted QR scans (default: 2s)")
	fs.DurationVar(&o.AutoReset, "auto-reset", 0, "How long a successful result stays on screen (default: 10s)")
	fs.StringVar(&o.Detector, "detector", "", "Face detector backend: cascade or worker")
	fs.StringVarP(&o.Model, "model", "m", "", "Cascade model path (default: models/haarcascade_frontalface_default.xml)")
	fs.StringVarP(&o.Listen, "listen", "l", "", "Address for the HTTP/WebSocket display, e.g. :8080 (disabled when empty)")
	fs.BoolVar(&o.ConfirmFace, "confirm-face", false, "Confirm the transaction when a face was seen during the scan")
	fs.BoolVar(&o.NoBell, "no-bell", false, "Disable the terminal bell")
}

func applyKioskFlags(fs *pflag.FlagSet, o kioskOptions, cfg *config.Config) {
	if fs.Changed("device") {
		cfg.Camera.Device = o.Device
	}
	if fs.Changed("interval") {
		cfg.Camera.Interval = o.Interval
	}
	if fs.Changed("cooldown") {
		cfg.Session.Cooldown = o.Cooldown
	}
	if fs.Changed("auto-reset") {
		cfg.Session.AutoReset = o.AutoReset
	}
	if fs.Changed("detector") {
		cfg.Detector.Backend = o.Detector
	}
	if fs.Changed("model") {
		cfg.Detector.ModelPath = o.Model
	}
	if fs.Changed("listen") {
		cfg.Display.Listen = o.Listen
	}
	if fs.Changed("confirm-face") {
		cfg.Session.ConfirmFace = o.ConfirmFace
	}
	if fs.Changed("no-bell") {
		cfg.Display.Bell = !o.NoBell
	}
}

// validateKioskFlags rejects bad settings before any camera or model work starts.
func validateKioskFlags(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Camera.Device) == "" || cfg.Camera.Device == ffmpegPrefix {
		return errors.New("camera device must not be empty")
	}
	if cfg.Display.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Display.Listen); err != nil {
			return fmt.Errorf("invalid --listen address %q: %w", cfg.Display.Listen, err)
		}
	}
	switch cfg.Detector.Backend {
	case config.BackendCascade:
		if cfg.Detector.ModelPath == "" {
			return errors.New("cascade detector needs a model path")
		}
		if _, err := os.Stat(cfg.Detector.ModelPath); err != nil {
			return fmt.Errorf("cascade model not found: %w", err)
		}
		if cfg.Detector.MinFaceSize < 0 {
			return fmt.Errorf("min face size must not be negative, got %d", cfg.Detector.MinFaceSize)
		}
	case config.BackendWorker:
		for _, part := range cfg.Detector.WorkerCommand {
			if strings.TrimSpace(part) == "" {
				return errors.New("worker command contains an empty argument")
			}
		}
	}
	return nil
}

type closingDetector interface {
	capture.FaceDetector
	Close() error
}

func newSource(cfg config.Config, log *logrus.Entry) capture.Source {
	if input, ok := strings.CutPrefix(cfg.Camera.Device, ffmpegPrefix); ok {
		fps := float64(time.Second) / float64(cfg.Camera.Interval)
		return source.NewFFmpeg(input, cfg.Camera.Width, cfg.Camera.Height, fps, log)
	}
	return vision.NewCamera(cfg.Camera.Device, cfg.Camera.Width, cfg.Camera.Height)
}

func newDetector(cfg config.Config, log *logrus.Entry) closingDetector {
	if cfg.Detector.Backend == config.BackendWorker {
		return worker.NewFaceWorker(0, cfg.Detector.WorkerCommand, log)
	}
	return vision.NewCascadeDetector(cfg.Detector.ModelPath, cfg.Detector.MinFaceSize)
}

// spinner shows an indeterminate progress spinner on stderr until stop is called.
func spinner(description string) (stop func()) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				bar.Finish()
				return
			case <-ticker.C:
				bar.Add(1)
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// runKiosk wires camera, detector, session controller and views, and runs
// until ctx ends (Ctrl+C). Cancelling ctx stops every timer and callback.
func runKiosk(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	src := newSource(cfg, Log.WithField("component", "source"))
	det := newDetector(cfg, Log.WithField("component", "worker"))
	defer det.Close()
	qr := vision.NewQRDecoder()
	defer qr.Close()

	term := ui.NewTerminal(os.Stdout, ui.TerminalOptions{Clear: cfg.Display.Clear, FaceWindow: cfg.Session.FaceWindow})
	bell := ui.NewBell(os.Stdout, cfg.Display.Bell)
	toaster := ui.NewToaster(cfg.Session.ToastDuration, term)
	defer toaster.Stop()

	// The loop only calls back after Start, by which time ctrl is set.
	var ctrl *session.Controller
	loop := capture.New(src, det, qr, capture.Callbacks{
		OnFaceDetect: func(n int) { ctrl.HandleFaces(n) },
		OnQRScan:     func(payload string) { ctrl.HandleQR(payload) },
		OnStatus: func(s capture.Status, err error) {
			ctrl.HandleCameraStatus(s.String())
		},
		OnFeedback: bell.Ring,
	}, capture.Options{Interval: cfg.Camera.Interval}, Log.WithField("component", "capture"))

	ctrl = session.New(session.Deps{
		Verifier:  Client,
		Confirmer: Client,
		Rearmer:   loop,
		Notifiers: []session.Notifier{toaster, bell},
		Log:       Log.WithField("component", "session"),
	}, session.Options{
		Cooldown:    cfg.Session.Cooldown,
		AutoReset:   cfg.Session.AutoReset,
		FaceWindow:  cfg.Session.FaceWindow,
		ConfirmFace: cfg.Session.ConfirmFace,
		VerifiedBy:  cfg.Session.VerifiedBy,
		Username:    Client.Username(),
	})
	ctrl.Subscribe(term)

	var disp *display.Server
	if cfg.Display.Listen != "" {
		disp = display.New(ctrl, cfg.Session.FaceWindow, Log.WithField("component", "display"))
		ctrl.Subscribe(disp)
		toaster.AddSink(disp)
	}

	go ctrl.Run(ctx)
	defer ctrl.Wait()

	stopSpin := spinner("⏳ Loading face model and camera")
	err := loop.Start(ctx)
	stopSpin()
	if err != nil {
		cancel()
		return fmt.Errorf("camera or face model unavailable: %w", err)
	}
	defer loop.Stop()

	if disp != nil {
		go func() {
			if err := disp.ListenAndServe(ctx, cfg.Display.Listen); err != nil {
				Log.WithError(err).Error("display server stopped")
			}
		}()
	}

	go term.RunClock(ctx, ctrl.Snapshot)
	go watchEnter(os.Stdin, ctrl)

	Log.WithFields(logrus.Fields{
		"device":   cfg.Camera.Device,
		"detector": cfg.Detector.Backend,
		"interval": cfg.Camera.Interval,
	}).Info("kiosk ready")

	<-ctx.Done()
	Log.Info("shutting down kiosk")
	return nil
}

type resetter interface {
	Reset() error
}

// watchEnter treats each line on r as the manual done/retry action.
func watchEnter(r io.Reader, ctrl resetter) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctrl.Reset(); errors.Is(err, session.ErrStopped) {
			return
		}
	}
}
