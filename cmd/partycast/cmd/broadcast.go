package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/partycast/backend/internal/broadcaster"
	"github.com/partycast/backend/internal/media"
)

var (
	title     string
	createdBy string
	facing    string
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Go live with RTP from the configured UDP ports as the camera",
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
		source := media.NewUDPSource(media.UDPConfig{
			VideoAddrs: map[media.Facing]string{
				media.FacingUser:        a.Config.Media.UserVideoAddr,
				media.FacingEnvironment: a.Config.Media.EnvironmentVideoAddr,
			},
			AudioAddr: a.Config.Media.AudioAddr,
		}, logger)

		b := broadcaster.New(broadcaster.Config{
			EventID:   eventID,
			CreatedBy: createdBy,
			Facing:    media.Facing(facing),
		}, broadcaster.Deps{
			Lifecycle: a.Sessions,
			Signaling: a.Signaling,
			Presence:  a.Presence,
			Recorder:  a.Pipeline,
			Source:    source,
			Peers:     peers,
		}, logger)
		b.SetStatusHandler(func(s broadcaster.Status) {
			logger.Info("broadcaster status",
				zap.String("state", string(s.State)),
				zap.Int("viewers", s.ViewerCount),
				zap.Bool("recording", s.IsRecording),
				zap.String("error", s.Error))
		})

		if err := b.StartCamera(ctx); err != nil {
			return err
		}
		if err := b.StartStream(ctx, title); err != nil {
			_ = b.Close(context.Background())
			return err
		}

		waitForSignal(ctx)
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return b.Close(closeCtx)
	},
}

func init() {
	broadcastCmd.Flags().StringVar(&title, "title", "", "session title")
	broadcastCmd.Flags().StringVar(&createdBy, "as", "", "display name of the broadcaster")
	broadcastCmd.Flags().StringVar(&facing, "facing", string(media.FacingUser), "initial camera: user or environment")
	rootCmd.AddCommand(broadcastCmd)
}
