package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/viewer"
)

var output string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Join the event's live session and write received video to an IVF file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, eventID, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		logger := a.Logger

		peers, err := a.PeerFactory()
		if err != nil {
			return err
		}
		renderer := viewer.NewFileRenderer(output, logger)
		defer renderer.Close()

		v := viewer.New(viewer.Config{
			EventID:           eventID,
			HeartbeatInterval: a.Config.Presence.HeartbeatInterval,
			HandshakeTimeout:  a.Config.Viewer.HandshakeTimeout,
		}, viewer.Deps{
			Sessions:  a.Sessions,
			Signaling: a.Signaling,
			Presence:  a.Presence,
			Peers:     peers,
			Renderer:  renderer,
		}, logger)
		v.SetStatusHandler(func(s viewer.Status) {
			logger.Info("viewer status",
				zap.String("state", string(s.State)),
				zap.Int("viewers", s.ViewerCount),
				zap.String("stream_id", s.StreamID),
				zap.String("error", s.Error))
		})

		if err := v.Start(ctx); err != nil {
			return err
		}
		waitForSignal(ctx)
		v.Close()
		logger.Info("viewer stopped", zap.Int("packets", renderer.Packets()))
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVarP(&output, "output", "o", "stream.ivf", "IVF file for received video")
	rootCmd.AddCommand(watchCmd)
}
