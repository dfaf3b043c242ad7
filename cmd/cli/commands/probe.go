package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/mediacore/cmd/cli/client"
	"github.com/livekit/mediacore/pkg/sfu"
)

var (
	ProbeCommands = []*cli.Command{
		{
			Name:   "probe",
			Usage:  "sends synthetic media to a reflecting server and reports recovery",
			Action: runProbe,
			Flags: []cli.Flag{
				hostFlag,
				jsonFlag,
				&cli.DurationFlag{
					Name:  "duration",
					Value: 10 * time.Second,
				},
				&cli.IntFlag{
					Name:  "rate",
					Usage: "packets per second",
					Value: 100,
				},
				&cli.IntFlag{
					Name:  "size",
					Usage: "payload bytes per packet",
					Value: 1000,
				},
				&cli.Float64Flag{
					Name:  "loss",
					Usage: "fraction of outgoing RTP to discard",
				},
				&cli.UintFlag{
					Name:  "ssrc",
					Value: 0x1234,
				},
				&cli.UintFlag{
					Name:  "abs-send-time-id",
					Usage: "header extension id for abs-send-time, 0 to disable",
					Value: 3,
				},
				&cli.Int64Flag{
					Name:  "seed",
					Usage: "seed for simulated loss",
					Value: time.Now().UnixNano(),
				},
			},
		},
	}
)

func runProbe(c *cli.Context) error {
	if loss := c.Float64("loss"); loss < 0 || loss >= 1 {
		return fmt.Errorf("--loss must be in [0, 1)")
	}

	probe, err := client.NewProbeClient(client.ProbeParams{
		Address: c.String("host"),
		Config:  sfu.DefaultEndpointConfig,
		Track: client.TrackWriterParams{
			SSRC:                   uint32(c.Uint("ssrc")),
			PayloadType:            96,
			ClockRate:              90000,
			PacketRate:             c.Int("rate"),
			PayloadSize:            c.Int("size"),
			AbsSendTimeExtensionID: uint8(c.Uint("abs-send-time-id")),
		},
		LossRate: c.Float64("loss"),
		Linger:   2 * time.Second,
		Seed:     c.Int64("seed"),
		Logger:   logger.GetLogger(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Infow("probing", "host", c.String("host"), "duration", c.Duration("duration"))
	stats, err := probe.Run(ctx, c.Duration("duration"))
	if err != nil {
		return err
	}

	if c.Bool("json") {
		PrintJSON(stats)
		return nil
	}
	printProbeStats(stats)
	return nil
}

func printProbeStats(stats client.ProbeStats) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})

	recovered := "-"
	if stats.Written > 0 {
		recovered = fmt.Sprintf("%.2f %%", float64(stats.Reflected)*100/float64(stats.Written))
	}

	table.AppendBulk([][]string{
		{"Packets written", humanize.Comma(int64(stats.Written))},
		{"Discarded (simulated loss)", humanize.Comma(int64(stats.Discarded))},
		{"Bytes sent", humanize.Bytes(stats.Send.Bytes)},
		{"NACKs received", humanize.Comma(int64(stats.Send.NacksReceived))},
		{"Retransmits", humanize.Comma(int64(stats.Send.Retransmits))},
		{"Unrecoverable", humanize.Comma(int64(stats.Send.Unrecoverable))},
		{"Reflected in order", humanize.Comma(int64(stats.Reflected))},
		{"Reflected / written", recovered},
		{"NACKs sent", humanize.Comma(int64(stats.Receive.NacksSent))},
		{"Lost on return", humanize.Comma(int64(stats.Receive.Lost))},
		{"RTT", stats.Send.RTT.String()},
		{"Local estimate", humanize.SI(float64(stats.Estimate), "bps")},
		{"Remote estimate", humanize.SI(float64(stats.RemoteEstimate), "bps")},
	})
	table.Render()
}
