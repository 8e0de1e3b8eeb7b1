// minibridge relays a Minitel serial terminal to a TCP text-mode server.
//
// Typical usage, bridging a terminal on /dev/ttyUSB0 to the public gateway:
//
//	minibridge -port /dev/ttyUSB0 -autodetect
//
// A session capture can be recorded with -record, and an existing .vdt
// capture replayed to the terminal with -replay once the session is active.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vtxlink/minibridge/bridge"
	"github.com/vtxlink/minibridge/logger"
	"github.com/vtxlink/minibridge/vdt"
)

func main() {
	var (
		portID     = flag.String("port", "/dev/ttyUSB0", "serial port of the terminal")
		host       = flag.String("host", "3611.re", "remote server host")
		tcpPort    = flag.Int("tcp-port", 516, "remote server TCP port")
		baud       = flag.Int("baud", 1200, "baud rate (300, 1200, 4800, 9600)")
		dataBits   = flag.Int("data-bits", 7, "data bits (7 or 8)")
		parity     = flag.String("parity", "even", "parity (none or even)")
		stopBits   = flag.Int("stop-bits", 1, "stop bits (1 or 2)")
		autodetect = flag.Bool("autodetect", false, "detect terminal model and speed before connecting")
		setSpeed   = flag.Bool("set-speed", false, "program the terminal to its native speed after detection")
		echoOff    = flag.Bool("echo-off", true, "send the echo-disable sequence before connecting")
		poll       = flag.Duration("poll", 60*time.Millisecond, "serial poll interval")
		record     = flag.String("record", "", "record the session to this .vdt file")
		recordBidi = flag.Bool("record-bidir", false, "record serial->network traffic too")
		recordInit = flag.Bool("record-init", true, "prepend the init sequence to the recording")
		recordWrap = flag.Bool("record-markers", false, "wrap the recording in STX/ETX markers")
		replay     = flag.String("replay", "", "send this .vdt file to the terminal once connected")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := logger.InfoLevel
	if *debug {
		level = logger.DebugLevel
	}
	log := logger.NewSlog(level, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parityMode := bridge.ParityEven
	if *parity == "none" {
		parityMode = bridge.ParityNone
	}

	cfg, err := bridge.NewConfig(*portID, *host, *tcpPort,
		bridge.WithBaudRate(*baud),
		bridge.WithDataBits(*dataBits),
		bridge.WithParity(parityMode),
		bridge.WithStopBits(*stopBits),
		bridge.WithAutoDetect(*autodetect),
		bridge.WithSetTerminalSpeed(*setSpeed),
		bridge.WithDisableEcho(*echoOff),
		bridge.WithPollInterval(*poll),
		bridge.WithLogger(log),
	)
	if err != nil {
		log.Fatal("invalid configuration", "error", err)
	}

	br, err := bridge.NewBridge(ctx, cfg)
	if err != nil {
		log.Fatal("failed to create bridge", "error", err)
	}

	var recorder *vdt.Recorder
	if *record != "" {
		recorder = vdt.NewRecorder(vdt.WithRecorderLogger(log))
		br.AttachRecorder(recorder)

		if err := recorder.Start(*recordBidi); err != nil {
			log.Fatal("failed to start recording", "error", err)
		}
	}

	if err := br.Start(); err != nil {
		log.Fatal("failed to start session", "error", err)
	}

	if model := br.Detected(); model != nil {
		log.Info("terminal detected", "model", model.Model, "speed", model.Speed)
	}

	if *replay != "" {
		payload, hadMarkers, err := vdt.LoadCapture(*replay)
		if err != nil {
			log.Error("failed to load capture", "file", *replay, "error", err)
		} else {
			if hadMarkers {
				log.Info("capture framing markers stripped", "file", *replay)
			}
			if err := br.SendCapture(payload); err != nil {
				log.Error("failed to replay capture", "file", *replay, "error", err)
			}
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// The session ends either on a signal or when the remote side closes.
	idleCh := make(chan struct{})
	go func() {
		_ = br.WaitState(ctx, bridge.IdleState)
		close(idleCh)
	}()

	select {
	case sig := <-sigChan:
		log.Info("received signal, closing session", "signal", sig.String())
		if err := br.Stop(); err != nil {
			log.Error("failed to stop session", "error", err)
		}
	case <-idleCh:
		log.Info("session ended")
	}

	if recorder != nil && recorder.Recording() {
		artifact, err := recorder.StopAndSeal(*recordInit, *recordWrap)
		if err != nil {
			log.Error("failed to seal recording", "error", err)
			return
		}

		if err := vdt.SaveArtifact(*record, artifact); err != nil {
			log.Error("failed to save recording", "file", *record, "error", err)
			return
		}

		log.Info("recording saved", "file", *record, "bytes", len(artifact.Payload))
	}
}
