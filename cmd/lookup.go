package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/labscan/internal/session"
	"github.com/andresmejia3/labscan/internal/ui"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var lookupCmd = &cobra.Command{
	Use:         "lookup <payload>",
	Short:       "Verify one QR payload without a camera and print the result",
	Annotations: map[string]string{annLogin: "true"},
	Args:        cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLookup(cmd.Context(), Client, args[0], os.Stdout, Log.WithField("component", "session"))
	},
}

func init() {
	rootCmd.AddCommand(lookupCmd)
}

type presentFunc func(session.Snapshot)

func (f presentFunc) Present(s session.Snapshot) { f(s) }

// runLookup pushes payload through a fresh session controller, waits for a
// terminal state and writes the rendered view to out.
func runLookup(ctx context.Context, v session.Verifier, payload string, out io.Writer, log *logrus.Entry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	final := make(chan session.Snapshot, 1)
	ctrl := session.New(session.Deps{Verifier: v, Log: log}, session.Options{})
	ctrl.Subscribe(presentFunc(func(s session.Snapshot) {
		if s.State == session.Result || s.State == session.Error {
			select {
			case final <- s:
			default:
			}
		}
	}))

	go ctrl.Run(ctx)
	defer ctrl.Wait()
	ctrl.HandleQR(payload)

	var snap session.Snapshot
	select {
	case snap = <-final:
	case <-ctx.Done():
		return ctx.Err()
	}
	cancel()

	fmt.Fprint(out, ui.Render(snap, nil, time.Now(), 0))
	if snap.State == session.Error {
		return errors.New(snap.ErrorMessage)
	}
	return nil
}
