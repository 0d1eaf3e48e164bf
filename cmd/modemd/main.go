// Command modemd wires a real UART transport, a Redis event sink and the
// reference DCE into a running DTE.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/librescoot/modem-dte/pkg/dce"
	"github.com/librescoot/modem-dte/pkg/dte"
	"github.com/librescoot/modem-dte/pkg/events"
	"github.com/librescoot/modem-dte/pkg/uart"
)

var (
	device      = flag.String("device", "/dev/ttyUSB0", "modem UART device path")
	baudRate    = flag.Int("baud", 115200, "UART baud rate")
	lineBufSize = flag.Int("line-buffer-size", 16*1024, "command-mode line reassembly buffer size")
	rxBufSize   = flag.Int("rx-buffer-size", 16*1024, "UART driver RX buffer size")

	redisAddr = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass = flag.String("redis-pass", "", "Redis password")
	redisDB   = flag.Int("redis-db", 0, "Redis database number")
	eventChan = flag.String("redis-event-channel", "modem:events", "Redis pub/sub channel for DTE events")

	apn     = flag.String("apn", "internet", "PDP context access point name")
	pdpType = flag.String("pdp-type", "IP", "PDP context type")
	pdpCID  = flag.Int("pdp-cid", 1, "PDP context identifier")

	logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	logger := log.New(os.Stderr)
	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.Warn("unrecognized log level, defaulting to info", "level", *logLevel)
	}

	logger.Info("starting modemd", "device", *device, "baud", *baudRate)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: *redisPass,
		DB:       *redisDB,
	})
	sink := events.NewRedisSink(redisClient, *eventChan, logger.With("component", "events"))
	defer sink.Close()

	port, err := uart.NewSerialPort(*device, uart.Config{
		BaudRate:       *baudRate,
		DataBits:       8,
		Parity:         uart.ParityNone,
		StopBits:       uart.StopBits1,
		FlowControl:    uart.FlowControlNone,
		RXBufferSize:   *rxBufSize,
		LineBufferSize: *lineBufSize,
	})
	if err != nil {
		logger.Fatal("failed to open uart device", "err", err)
	}

	cfg := uart.DefaultConfig()
	cfg.BaudRate = *baudRate
	cfg.RXBufferSize = *rxBufSize
	cfg.LineBufferSize = *lineBufSize

	d, err := dte.New(dte.Config{
		Port:   port,
		UART:   cfg,
		Sink:   sink,
		Logger: logger.With("component", "dte"),
	})
	if err != nil {
		logger.Fatal("failed to start dte", "err", err)
	}
	defer d.Close()

	ref := dce.NewReference(d.Handle(), d, logger.With("component", "dce"))

	logger.Info("bringing up cmux")
	if err := d.ChangeMode(dce.ModeCMUX); err != nil {
		logger.Fatal("failed to enter cmux mode", "err", err)
	}

	if err := ref.DefinePDPContext(*pdpCID, *pdpType, *apn); err != nil {
		logger.Warn("define pdp context failed", "err", err)
	}

	if operator, err := ref.QueryOperator(context.Background()); err != nil {
		logger.Warn("operator query failed", "err", err)
	} else {
		logger.Info("registered operator", "operator", operator)
	}

	logger.Info("dialing")
	if err := ref.Dial(30 * time.Second); err != nil {
		logger.Error("dial failed", "err", err)
	} else {
		logger.Info("ppp link established")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if err := ref.HangUp(); err != nil {
		logger.Warn("hangup failed", "err", err)
	}
}
