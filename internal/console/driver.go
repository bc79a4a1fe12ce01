package console

import (
	"fmt"
	"log/slog"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/controller"
	"github.com/roverlink/roverlink/internal/eventloop"
)

// driver owns the datagram channels a driving console sends wheel and gimbal commands on
type driver struct {
	drive, gimbal *channel.Channel
	reopeners     []*channel.Reopener

	loop   *eventloop.Loop
	cfg    *config.Config
	logger *slog.Logger
}

func newDriver(loop *eventloop.Loop, cfg *config.Config, logger *slog.Logger) *driver {
	client := func(name string, port int) *channel.Channel {
		return channel.New(loop, channel.Config{
			Name:              name,
			Transport:         channel.Datagram,
			Role:              channel.Client,
			Remote:            channel.Endpoint{Host: cfg.Console.Rover, Port: port},
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, logger)
	}
	return &driver{
		drive:  client(ChannelDrive, cfg.Rover.Ports.Drive),
		gimbal: client(ChannelGimbal, cfg.Rover.Ports.Gimbal),
		loop:   loop,
		cfg:    cfg,
		logger: logger.With("component", "driver"),
	}
}

// open starts both channels; they are reopened with backoff whenever the rover goes quiet
func (d *driver) open() error {
	for _, ch := range []*channel.Channel{d.drive, d.gimbal} {
		d.reopeners = append(d.reopeners,
			channel.WatchReopen(d.loop, ch, d.cfg.Rover.ReopenInitial, d.cfg.Rover.ReopenMax, d.logger))
		if err := ch.Open(); err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) close() {
	for _, r := range d.reopeners {
		r.Stop()
	}
	d.drive.Close()
	d.gimbal.Close()
}

func (d *driver) send(left, right, pan, tilt float64) error {
	for _, v := range []float64{left, right, pan, tilt} {
		if v < -1 || v > 1 {
			return fmt.Errorf("axis value %.3f outside [-1, 1]", v)
		}
	}
	if err := d.drive.Send(controller.EncodeDrive(left, right)); err != nil {
		return err
	}
	return d.gimbal.Send(controller.EncodeGimbal(pan, tilt))
}
